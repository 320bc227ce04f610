// Copyright 2024 The Distsqld Authors.

//go:build deadlock

package syncutil

import "github.com/sasha-s/go-deadlock"

// DeadlockEnabled is true if the deadlock detector is enabled.
const DeadlockEnabled = true

// A Mutex is a mutual exclusion lock backed by go-deadlock's cycle detector.
// Built with -tags deadlock, any lock-ordering violation of the kind
// described in the (session -> registry -> expiration, never
// reversed) is reported instead of silently deadlocking.
type Mutex struct {
	deadlock.Mutex
}

// AssertHeld may panic if the mutex is not locked.
func (m *Mutex) AssertHeld() {
}

// An RWMutex is a reader/writer mutual exclusion lock.
type RWMutex struct {
	deadlock.RWMutex
}

// AssertHeld may panic if the mutex is not locked for writing.
func (rw *RWMutex) AssertHeld() {
}

// AssertRHeld may panic if the mutex is not locked for reading.
func (rw *RWMutex) AssertRHeld() {
}
