// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package netsched

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/thermovalve/pkg/rfproto"
)

// Transfer is a reliable send in progress. The scheduler owns it; other
// goroutines may wait on Done and call Cancel.
type Transfer struct {
	Destination rfproto.Address
	Type        rfproto.MessageType
	Payload     []byte

	maxRetries int
	onDone     func(*Transfer)

	// Main loop state
	attempts int
	seqs     []uint16
	deadline time.Time
	awaiting bool

	cancelled atomic.Bool
	once      sync.Once
	done      chan struct{}
	mu        sync.Mutex
	err       error
	final     int
}

// Done is closed when the transfer completes
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Err returns the outcome once Done is closed: nil when acknowledged,
// ErrNoAck, ErrRejected or ErrCancelled.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Attempts returns the number of transmissions once Done is closed
func (t *Transfer) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final
}

// Cancel abandons the transfer at the next scheduler tick. No further
// attempts are transmitted.
func (t *Transfer) Cancel() {
	t.cancelled.Store(true)
}

func (t *Transfer) owns(seq uint16) bool {
	return slices.Contains(t.seqs, seq)
}

func (t *Transfer) finish(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.final = t.attempts
		t.mu.Unlock()
		close(t.done)
		if t.onDone != nil {
			t.onDone(t)
		}
	})
}
