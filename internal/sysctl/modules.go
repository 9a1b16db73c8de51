package sysctl

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// ModuleProbe reports whether a kernel module is loaded in the running kernel.
type ModuleProbe interface {
	Loaded(name string) (bool, error)
}

// ProcModules reads the module list from /proc/modules.
type ProcModules struct {
	// Path defaults to /proc/modules.
	Path string
}

var _ ModuleProbe = ProcModules{}

// Loaded treats '-' and '_' as equivalent, as modprobe does.
func (p ProcModules) Loaded(name string) (bool, error) {
	path := p.Path
	if path == "" {
		path = "/proc/modules"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read loaded modules: %w", err)
	}
	want := normalizeModule(name)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) > 0 && normalizeModule(fields[0]) == want {
			return true, nil
		}
	}
	if err := sc.Err(); err != nil {
		return false, fmt.Errorf("read loaded modules: %w", err)
	}
	return false, nil
}

func normalizeModule(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), "-", "_")
}
