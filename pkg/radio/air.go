// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package radio

import (
	"context"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/thermovalve/internal/logutil"
)

// Air is an in-memory shared radio medium for simulation and tests.
// Every frame sent by one node is delivered to every other node whose
// receiver is on, subject to injected loss and corruption.
type Air struct {
	mu      sync.Mutex
	nodes   []*Node
	rng     *rand.Rand
	log     logrus.FieldLogger
	loss    float64
	corrupt float64
	busy    int
	filter  func(from *Node, frame []byte) bool
}

// NewAir creates an empty medium with a deterministic random source
func NewAir(seed int64, log logrus.FieldLogger) *Air {
	return &Air{
		rng: rand.New(rand.NewSource(seed)),
		log: logutil.OrDiscard(log).WithField("component", "air"),
	}
}

// SetLoss sets the probability that a delivery is lost
func (a *Air) SetLoss(p float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loss = p
}

// SetCorruption sets the probability that a delivery has one bit flipped
func (a *Air) SetCorruption(p float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.corrupt = p
}

// SetBusy makes the next n carrier sense polls report a busy channel
func (a *Air) SetBusy(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busy = n
}

// SetFilter installs a hook that drops frames for which it returns false
func (a *Air) SetFilter(f func(from *Node, frame []byte) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.filter = f
}

// Attach adds a node to the medium. Its receiver starts enabled.
func (a *Air) Attach(name string, rssi int) *Node {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := &Node{air: a, name: name, rssi: rssi, receiving: true}
	a.nodes = append(a.nodes, n)
	return n
}

func (a *Air) transmit(from *Node, frame []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	from.sent++
	if a.filter != nil && !a.filter(from, frame) {
		return
	}
	for _, n := range a.nodes {
		if n == from || !n.receiving || n.queue == nil {
			continue
		}
		if a.rng.Float64() < a.loss {
			a.log.WithField("to", n.name).Debug("Frame lost")
			continue
		}
		data := append([]byte(nil), frame...)
		if len(data) > 0 && a.rng.Float64() < a.corrupt {
			bit := a.rng.Intn(len(data) * 8)
			data[bit/8] ^= 1 << (bit % 8)
		}
		// Delivery runs on the sender's goroutine, like a receive interrupt
		n.queue.Push(data, n.rssi)
	}
}

// Node is one radio attached to an Air
type Node struct {
	air       *Air
	name      string
	rssi      int
	receiving bool
	queue     *RxQueue
	sent      int
}

// Send transmits a frame to every other listening node
func (n *Node) Send(frame []byte) error {
	if err := checkSize(frame); err != nil {
		return err
	}
	n.air.transmit(n, frame)
	return nil
}

// Listen attaches q as the node's receive queue until ctx is done
func (n *Node) Listen(ctx context.Context, q *RxQueue) error {
	n.Attach(q)
	<-ctx.Done()
	n.air.mu.Lock()
	n.queue = nil
	n.air.mu.Unlock()
	return nil
}

// Attach sets the receive queue without blocking
func (n *Node) Attach(q *RxQueue) {
	n.air.mu.Lock()
	defer n.air.mu.Unlock()
	n.queue = q
}

// SetReceive powers the receiver on or off
func (n *Node) SetReceive(on bool) {
	n.air.mu.Lock()
	defer n.air.mu.Unlock()
	n.receiving = on
}

// Receiving reports whether the receiver is on
func (n *Node) Receiving() bool {
	n.air.mu.Lock()
	defer n.air.mu.Unlock()
	return n.receiving
}

// ChannelBusy reports injected channel activity
func (n *Node) ChannelBusy() bool {
	n.air.mu.Lock()
	defer n.air.mu.Unlock()
	if n.air.busy > 0 {
		n.air.busy--
		return true
	}
	return false
}

// Sent returns the number of frames this node has transmitted
func (n *Node) Sent() int {
	n.air.mu.Lock()
	defer n.air.mu.Unlock()
	return n.sent
}

// Name returns the node name
func (n *Node) Name() string {
	return n.name
}
