// Package testutil holds fakes shared by package tests.
package testutil

import (
	"sync"
	"time"
)

// StepClock is a wall clock that advances a fixed step on every call.
//
// Pass its Now method wherever a func() time.Time is accepted so timestamps
// in ledgers and audit files are deterministic.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu   sync.Mutex
	cur  time.Time
	step time.Duration
}

// NewStepClock creates a clock whose first Now returns start+step.
// A zero step defaults to one second.
func NewStepClock(start time.Time, step time.Duration) *StepClock {
	if step == 0 {
		step = time.Second
	}
	return &StepClock{cur: start, step: step}
}

// Now advances the clock and returns the new time.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(c.step)
	return c.cur
}

// Current returns the last time handed out without advancing.
func (c *StepClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}
