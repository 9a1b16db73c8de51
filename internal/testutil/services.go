package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/nodeprov/internal/sysctl"
)

// FakeManager records service-manager calls instead of running systemctl.
type FakeManager struct {
	mu    sync.Mutex
	calls []string

	// Fail maps an operation ("daemon-reload", "enable", "disable",
	// "reboot") to the error it returns.
	Fail map[string]error

	// OnReboot runs when Reboot is called, e.g. to simulate a module
	// loading after the restart.
	OnReboot func()
}

var _ sysctl.Manager = (*FakeManager)(nil)

func (m *FakeManager) DaemonReload(context.Context) error { return m.record("daemon-reload", "") }
func (m *FakeManager) Enable(_ context.Context, unit string) error {
	return m.record("enable", unit)
}
func (m *FakeManager) Disable(_ context.Context, unit string) error {
	return m.record("disable", unit)
}

func (m *FakeManager) Reboot(context.Context) error {
	if err := m.record("reboot", ""); err != nil {
		return err
	}
	if m.OnReboot != nil {
		m.OnReboot()
	}
	return nil
}

func (m *FakeManager) record(op, unit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := op
	if unit != "" {
		call = op + " " + unit
	}
	m.calls = append(m.calls, call)
	if err, ok := m.Fail[op]; ok {
		return fmt.Errorf("systemctl %s: %w", op, err)
	}
	return nil
}

// Calls returns every recorded call in order, e.g. "enable x.service".
func (m *FakeManager) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Count returns how many calls started with op.
func (m *FakeManager) Count(op string) int {
	n := 0
	for _, c := range m.Calls() {
		if c == op || strings.HasPrefix(c, op+" ") {
			n++
		}
	}
	return n
}

// FakeModules is an in-memory kernel module table.
type FakeModules struct {
	mu     sync.Mutex
	loaded map[string]bool

	// Err, when set, is returned by Loaded.
	Err error
}

var _ sysctl.ModuleProbe = (*FakeModules)(nil)

// NewFakeModules returns a table with the named modules loaded.
func NewFakeModules(names ...string) *FakeModules {
	m := &FakeModules{loaded: map[string]bool{}}
	for _, n := range names {
		m.loaded[n] = true
	}
	return m
}

func (m *FakeModules) Loaded(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	return m.loaded[name], nil
}

// Load marks name as loaded.
func (m *FakeModules) Load(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded[name] = true
}

// Unload marks name as not loaded.
func (m *FakeModules) Unload(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loaded, name)
}
