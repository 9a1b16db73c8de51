package audit

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/roach88/nodeprov/internal/state"
)

const (
	TranscriptName = "nodeprov.log"
	EventsName     = "nodeprov.jsonl"

	DefaultMaxRuns   = 10
	DefaultMaxEvents = 5000
)

// Options configures Open.
type Options struct {
	// Dir holds the transcript and event stream.
	Dir string

	// RunID identifies this run in the marker and every JSON event.
	RunID string

	// Host defaults to os.Hostname.
	Host string

	// MaxRuns bounds the transcript, including the current run.
	MaxRuns int

	// MaxEvents bounds the prior lines kept in the event stream.
	MaxEvents int

	// Continue appends to an existing run block without compaction or a
	// new marker. Used by nested processes sharing the parent's RunID.
	Continue bool

	// Console receives a short human rendering of each event. Nil disables it.
	Console io.Writer

	// Verbose lowers the console level to debug. The files always get debug.
	Verbose bool

	// Now defaults to time.Now.
	Now func() time.Time
}

// Log is an open audit trail for one run.
type Log struct {
	opts       Options
	transcript *os.File
	events     *os.File
	logger     *slog.Logger
}

// Open compacts the audit files (unless Continue), writes the run marker and
// returns a Log ready for appends.
func Open(opts Options) (*Log, error) {
	if opts.Dir == "" {
		return nil, errors.New("open audit log: empty directory")
	}
	if opts.RunID == "" {
		return nil, errors.New("open audit log: empty run id")
	}
	if opts.Host == "" {
		h, err := os.Hostname()
		if err != nil {
			h = "unknown"
		}
		opts.Host = h
	}
	if opts.MaxRuns <= 0 {
		opts.MaxRuns = DefaultMaxRuns
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	transcriptPath := filepath.Join(opts.Dir, TranscriptName)
	eventsPath := filepath.Join(opts.Dir, EventsName)

	var droppedRuns, droppedEvents int
	if !opts.Continue {
		var err error
		droppedRuns, err = compactFile(transcriptPath, func(b []byte) ([]byte, int) {
			return compactTranscript(b, opts.MaxRuns-1)
		})
		if err != nil {
			return nil, fmt.Errorf("open audit log: compact transcript: %w", err)
		}
		droppedEvents, err = compactFile(eventsPath, func(b []byte) ([]byte, int) {
			return compactEvents(b, opts.MaxEvents)
		})
		if err != nil {
			return nil, fmt.Errorf("open audit log: compact events: %w", err)
		}
	}

	transcript, err := openAppend(transcriptPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	events, err := openAppend(eventsPath)
	if err != nil {
		transcript.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	l := &Log{opts: opts, transcript: transcript, events: events}

	if !opts.Continue {
		if _, err := fmt.Fprintln(transcript, runMarker(opts.RunID, opts.Now(), opts.Host)); err != nil {
			l.Close()
			return nil, fmt.Errorf("open audit log: write marker: %w", err)
		}
	}

	l.logger = slog.New(l.handler())
	if droppedRuns > 0 || droppedEvents > 0 {
		l.logger.Debug("audit log compacted", "dropped_runs", droppedRuns, "dropped_events", droppedEvents)
	}
	return l, nil
}

// Logger returns the fan-out logger for this run.
func (l *Log) Logger() *slog.Logger {
	return l.logger
}

// TranscriptWriter exposes the transcript for raw collaborator output.
func (l *Log) TranscriptWriter() io.Writer {
	return l.transcript
}

// RunID returns the run this log belongs to.
func (l *Log) RunID() string {
	return l.opts.RunID
}

// Host returns the host name stamped on events.
func (l *Log) Host() string {
	return l.opts.Host
}

// Close flushes and closes both files.
func (l *Log) Close() error {
	var errs []error
	if l.transcript != nil {
		errs = append(errs, l.transcript.Sync(), l.transcript.Close())
	}
	if l.events != nil {
		errs = append(errs, l.events.Sync(), l.events.Close())
	}
	return errors.Join(errs...)
}

func (l *Log) handler() slog.Handler {
	jsonH := slog.NewJSONHandler(l.events, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.String("ts", a.Value.Time().UTC().Format(time.RFC3339Nano))
			}
			return a
		},
	}).WithAttrs([]slog.Attr{
		slog.String("host", l.opts.Host),
		slog.String("run", l.opts.RunID),
	})

	transcriptH := log.NewWithOptions(l.transcript, log.Options{
		Level:           log.DebugLevel,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       log.TextFormatter,
	})

	handlers := []slog.Handler{jsonH, transcriptH}

	if l.opts.Console != nil {
		level := log.InfoLevel
		if l.opts.Verbose {
			level = log.DebugLevel
		}
		handlers = append(handlers, log.NewWithOptions(l.opts.Console, log.Options{
			Level:  level,
			Prefix: "nodeprov",
		}))
	}
	return Fanout(handlers...)
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func compactFile(path string, compact func([]byte) ([]byte, int)) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	out, dropped := compact(data)
	out = terminate(out)
	if dropped == 0 && len(out) == len(data) {
		return 0, nil
	}
	if err := state.WriteFileAtomic(path, out, 0o644); err != nil {
		return 0, err
	}
	return dropped, nil
}
