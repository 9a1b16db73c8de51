package audit

import (
	"bytes"
	"fmt"
	"time"
)

const markerPrefix = "===== nodeprov run "

// runMarker is the first line of every transcript run block.
func runMarker(runID string, at time.Time, host string) string {
	return fmt.Sprintf("%s%s started %s on %s =====", markerPrefix, runID, at.UTC().Format(time.RFC3339), host)
}

func isMarker(line []byte) bool {
	return bytes.HasPrefix(line, []byte(markerPrefix))
}

// splitLines splits data into lines including their terminators. A trailing
// fragment without a newline is kept as its own line.
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			lines = append(lines, data)
			break
		}
		lines = append(lines, data[:i+1])
		data = data[i+1:]
	}
	return lines
}

// runBlocks groups transcript lines into run blocks. Lines before the first
// marker are attached to the first block.
func runBlocks(data []byte) [][]byte {
	var blocks [][]byte
	var cur []byte
	sawMarker := false
	for _, line := range splitLines(data) {
		if isMarker(line) {
			if sawMarker {
				blocks = append(blocks, cur)
				cur = nil
			}
			sawMarker = true
		}
		cur = append(cur, line...)
	}
	if len(cur) > 0 {
		blocks = append(blocks, cur)
	}
	return blocks
}

// compactTranscript keeps the newest keep run blocks.
func compactTranscript(data []byte, keep int) ([]byte, int) {
	if keep < 0 {
		keep = 0
	}
	blocks := runBlocks(data)
	if len(blocks) <= keep {
		return data, 0
	}
	dropped := len(blocks) - keep
	return bytes.Join(blocks[dropped:], nil), dropped
}

// compactEvents keeps the newest keep lines.
func compactEvents(data []byte, keep int) ([]byte, int) {
	if keep < 0 {
		keep = 0
	}
	lines := splitLines(data)
	if len(lines) <= keep {
		return data, 0
	}
	dropped := len(lines) - keep
	return bytes.Join(lines[dropped:], nil), dropped
}

// terminate makes sure the next append starts on a fresh line.
func terminate(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] != '\n' {
		return append(data, '\n')
	}
	return data
}

// CountRuns returns the number of run blocks in a transcript.
func CountRuns(data []byte) int {
	n := 0
	for _, line := range splitLines(data) {
		if isMarker(line) {
			n++
		}
	}
	return n
}
