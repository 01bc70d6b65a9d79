// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package radio

import (
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the receive queue depth
const DefaultQueueSize = 8

// RxQueue is the bounded hand-off between the receive path and the main
// loop. Push never blocks: when the queue is full the frame is dropped and
// counted. Each Push and Pop is a single channel operation.
type RxQueue struct {
	ch       chan Frame
	wake     chan struct{}
	overruns atomic.Uint64
}

// NewRxQueue creates a queue holding up to size frames
func NewRxQueue(size int) *RxQueue {
	if size < 1 {
		size = DefaultQueueSize
	}
	return &RxQueue{ch: make(chan Frame, size), wake: make(chan struct{}, 1)}
}

// Push enqueues a copy of data. It returns false on overrun.
func (q *RxQueue) Push(data []byte, rssi int) bool {
	f := Frame{Data: append([]byte(nil), data...), RSSI: rssi, Received: time.Now()}
	select {
	case q.ch <- f:
		select {
		case q.wake <- struct{}{}:
		default:
		}
		return true
	default:
		q.overruns.Add(1)
		return false
	}
}

// Pop dequeues the oldest frame without blocking
func (q *RxQueue) Pop() (Frame, bool) {
	select {
	case f := <-q.ch:
		return f, true
	default:
		return Frame{}, false
	}
}

// Wake is signalled after a successful Push. Several pushes may share one
// signal, so receivers drain with Pop until it reports empty.
func (q *RxQueue) Wake() <-chan struct{} {
	return q.wake
}

// Len returns the number of queued frames
func (q *RxQueue) Len() int {
	return len(q.ch)
}

// Overruns returns the number of frames dropped because the queue was full
func (q *RxQueue) Overruns() uint64 {
	return q.overruns.Load()
}
