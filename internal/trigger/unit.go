package trigger

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=Resume nodeprov provisioning after reboot
Wants=network-online.target
After=network-online.target
ConditionPathExists=!{{.Marker}}

[Service]
Type=oneshot
ExecStart={{.ExecStart}}
StandardOutput=journal+console
StandardError=journal+console
RemainAfterExit=no

[Install]
WantedBy=multi-user.target
`))

// ResumeArgs returns the arguments the unit passes to the binary on boot.
// The flags carry the operator's original choices into the resumed run.
func ResumeArgs(withCompose bool, vg, disk string) []string {
	args := []string{"--resume", "--non-interactive"}
	if withCompose {
		args = append(args, "--with-compose")
	}
	if vg != "" {
		args = append(args, "--vg", vg)
	}
	if disk != "" {
		args = append(args, "--disk", disk)
	}
	return args
}

// Render returns the systemd unit text.
func (t *Trigger) Render() ([]byte, error) {
	if t.cfg.Binary == "" {
		return nil, fmt.Errorf("render unit: empty binary path")
	}
	words := make([]string, 0, len(t.cfg.Args)+1)
	words = append(words, quoteExec(t.cfg.Binary))
	for _, a := range t.cfg.Args {
		words = append(words, quoteExec(a))
	}
	var buf bytes.Buffer
	err := unitTemplate.Execute(&buf, struct {
		Marker    string
		ExecStart string
	}{
		Marker:    escapeSpecifiers(t.cfg.MarkerPath),
		ExecStart: strings.Join(words, " "),
	})
	if err != nil {
		return nil, fmt.Errorf("render unit: %w", err)
	}
	return buf.Bytes(), nil
}

// quoteExec quotes one ExecStart word using systemd's rules: '%' starts a
// specifier and whitespace, quotes and backslashes need a quoted word.
func quoteExec(s string) string {
	s = escapeSpecifiers(s)
	if s != "" && !strings.ContainsAny(s, " \t\"'\\;") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

func escapeSpecifiers(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}
