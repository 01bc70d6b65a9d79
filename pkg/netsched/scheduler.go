// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package netsched schedules radio traffic on top of the protocol engine:
// reliable delivery with acknowledgement and retries, duty-cycled
// listening, and randomized backoff when the channel is busy.
//
// The Scheduler never blocks. It is advanced by Tick from the device main
// loop, and waiting for an acknowledgement is state carried across ticks.
package netsched

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/thermovalve/internal/logutil"
	"github.com/Thermoquad/thermovalve/pkg/radio"
	"github.com/Thermoquad/thermovalve/pkg/rfproto"
)

var (
	ErrNoAck     = errors.New("no acknowledgement")
	ErrRejected  = errors.New("rejected by destination")
	ErrCancelled = errors.New("transfer cancelled")
	ErrBroadcast = errors.New("reliable send requires a unicast destination")
)

// Encoder assigns sequence numbers and frames payloads
type Encoder interface {
	Encode(dst rfproto.Address, msgType rfproto.MessageType, payload []byte) ([]byte, error)
	MaxPayload() int
}

// Config holds scheduler tunables
type Config struct {
	AckTimeout time.Duration  `mapstructure:"ack_timeout"`
	MaxRetries int            `mapstructure:"max_retries"`
	Listen     ListenSchedule `mapstructure:",squash"`

	// PeerListen holds reliable transmissions until the destination's
	// receive window opens. Zero means peers always listen.
	PeerListen ListenSchedule `mapstructure:"peer"`

	BackoffMin  time.Duration `mapstructure:"backoff_min"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	MaxBackoffs int           `mapstructure:"max_backoffs"`
	QueueLimit  int           `mapstructure:"queue_limit"`
	Seed        int64         `mapstructure:"-"`
}

// DefaultConfig returns tunables for a battery device on a 1 s listen cycle
func DefaultConfig() Config {
	return Config{
		AckTimeout:  500 * time.Millisecond,
		MaxRetries:  3,
		Listen:      ListenSchedule{Period: time.Second, Window: 100 * time.Millisecond},
		BackoffMin:  10 * time.Millisecond,
		BackoffMax:  100 * time.Millisecond,
		MaxBackoffs: 4,
		QueueLimit:  8,
	}
}

// Stats are scheduler counters
type Stats struct {
	Transmitted uint64
	Retries     uint64
	Acked       uint64
	NoAck       uint64
	Rejected    uint64
	Backoffs    uint64
	SendErrors  uint64
}

type outFrame struct {
	frame    []byte
	transfer *Transfer
}

// Scheduler drives transmission timing. It is not safe for concurrent use;
// only Transfer.Cancel may be called from other goroutines.
type Scheduler struct {
	enc Encoder
	tx  radio.Transport
	cfg Config
	log logrus.FieldLogger
	rng *rand.Rand

	queue   []*Transfer
	current *Transfer
	outbox  []outFrame

	backoffUntil time.Time
	backoffs     int
	receiving    *bool
	now          time.Time
	stats        Stats
}

// New creates a scheduler sending through enc and tx
func New(enc Encoder, tx radio.Transport, cfg Config, log logrus.FieldLogger) *Scheduler {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultConfig().QueueLimit
	}
	return &Scheduler{
		enc: enc,
		tx:  tx,
		cfg: cfg,
		log: logutil.OrDiscard(log).WithField("component", "netsched"),
		rng: rand.New(rand.NewSource(seed)),
	}
}

// SendReliable queues a payload for acknowledged delivery. Each attempt is
// encoded afresh, so retries carry new sequence numbers; an ACK naming any
// of them completes the transfer. After 1+maxRetries unacknowledged
// attempts the transfer ends with ErrNoAck. A negative maxRetries uses the
// configured default.
func (s *Scheduler) SendReliable(dst rfproto.Address, msgType rfproto.MessageType, payload []byte, maxRetries int, onDone func(*Transfer)) (*Transfer, error) {
	if !dst.IsUnicast() {
		return nil, fmt.Errorf("%w: %s", ErrBroadcast, dst)
	}
	if limit := s.enc.MaxPayload(); len(payload) > limit {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", rfproto.ErrPayloadTooLarge, len(payload), limit)
	}
	if len(s.queue) >= s.cfg.QueueLimit {
		return nil, fmt.Errorf("transfer queue full (%d)", s.cfg.QueueLimit)
	}
	if maxRetries < 0 {
		maxRetries = s.cfg.MaxRetries
	}
	t := &Transfer{
		Destination: dst,
		Type:        msgType,
		Payload:     append([]byte(nil), payload...),
		maxRetries:  maxRetries,
		onDone:      onDone,
		done:        make(chan struct{}),
	}
	s.queue = append(s.queue, t)
	return t, nil
}

// Send encodes and transmits a message without acknowledgement. The frame
// goes out immediately unless the channel is backing off, in which case it
// is sent on a later tick.
func (s *Scheduler) Send(dst rfproto.Address, msgType rfproto.MessageType, payload []byte) error {
	frame, err := s.enc.Encode(dst, msgType, payload)
	if err != nil {
		return err
	}
	s.outbox = append(s.outbox, outFrame{frame: frame})
	s.flush(s.now)
	return nil
}

// HandleAck matches a received ACK against the transfer in flight and
// reports whether it completed the transfer.
func (s *Scheduler) HandleAck(msg rfproto.Message) bool {
	t := s.current
	if t == nil || msg.Type != rfproto.MsgAck || msg.Source != t.Destination {
		return false
	}
	ack, err := rfproto.UnmarshalAck(msg)
	if err != nil {
		s.log.WithError(err).Debug("Ignoring undecodable ACK")
		return false
	}
	if !t.owns(ack.Sequence) {
		return false
	}

	log := s.log.WithFields(logrus.Fields{"peer": t.Destination, "seq": ack.Sequence, "attempt": t.attempts})
	if ack.Status == rfproto.AckRejected {
		log.Warn("Transfer rejected")
		s.stats.Rejected++
		s.complete(fmt.Errorf("%s to %s: %w", rfproto.FormatMessageType(t.Type), t.Destination, ErrRejected))
		return true
	}
	log.Debug("Transfer acknowledged")
	s.stats.Acked++
	s.complete(nil)
	return true
}

// Tick advances retries, flushes pending frames and updates the receiver
func (s *Scheduler) Tick(now time.Time) {
	s.now = now
	s.advance(now)
	s.flush(now)
	s.updateReceiver(now)
}

func (s *Scheduler) advance(now time.Time) {
	for {
		if s.current == nil {
			if !s.startNext() {
				return
			}
		}
		t := s.current

		if t.cancelled.Load() {
			s.complete(ErrCancelled)
			continue
		}
		// Waiting for the frame to leave the outbox, or for the ACK
		if !t.awaiting || now.Before(t.deadline) {
			return
		}
		if t.attempts > t.maxRetries {
			s.log.WithFields(logrus.Fields{
				"peer":     t.Destination,
				"type":     rfproto.FormatMessageType(t.Type),
				"attempts": t.attempts,
			}).Warn("No acknowledgement, giving up")
			s.stats.NoAck++
			s.complete(fmt.Errorf("%s to %s after %d attempts: %w",
				rfproto.FormatMessageType(t.Type), t.Destination, t.attempts, ErrNoAck))
			continue
		}
		s.stats.Retries++
		if !s.attempt(t) {
			continue
		}
		return
	}
}

func (s *Scheduler) startNext() bool {
	for len(s.queue) > 0 {
		t := s.queue[0]
		s.queue = s.queue[1:]
		if t.cancelled.Load() {
			t.finish(ErrCancelled)
			continue
		}
		s.current = t
		if s.attempt(t) {
			return true
		}
	}
	return false
}

// attempt encodes the next try and queues it for transmission. It returns
// false when encoding failed and the transfer was completed.
func (s *Scheduler) attempt(t *Transfer) bool {
	frame, err := s.enc.Encode(t.Destination, t.Type, t.Payload)
	if err != nil {
		s.complete(fmt.Errorf("encode attempt %d: %w", t.attempts+1, err))
		return false
	}
	h, err := rfproto.Peek(frame)
	if err != nil {
		s.complete(fmt.Errorf("encode attempt %d: %w", t.attempts+1, err))
		return false
	}
	t.seqs = append(t.seqs, h.Sequence)
	t.awaiting = false
	s.outbox = append(s.outbox, outFrame{frame: frame, transfer: t})
	return true
}

func (s *Scheduler) complete(err error) {
	t := s.current
	if t == nil {
		return
	}
	s.current = nil
	// Drop any attempt still waiting for the channel
	kept := s.outbox[:0]
	for _, f := range s.outbox {
		if f.transfer != t {
			kept = append(kept, f)
		}
	}
	s.outbox = kept
	t.finish(err)
}

// sendable returns the index of the first frame that may go out now
func (s *Scheduler) sendable(now time.Time) int {
	peerAwake := s.cfg.PeerListen.Active(now)
	for i, f := range s.outbox {
		if f.transfer == nil || peerAwake {
			return i
		}
	}
	return -1
}

func (s *Scheduler) flush(now time.Time) {
	for {
		i := s.sendable(now)
		if i < 0 {
			return
		}
		if now.Before(s.backoffUntil) {
			return
		}
		if cs, ok := s.tx.(radio.CarrierSense); ok && s.backoffs < s.cfg.MaxBackoffs && cs.ChannelBusy() {
			s.backoffs++
			s.stats.Backoffs++
			s.backoffUntil = now.Add(s.backoff())
			s.log.WithField("attempt", s.backoffs).Debug("Channel busy, backing off")
			return
		}
		s.backoffs = 0

		f := s.outbox[i]
		s.outbox = slices.Delete(s.outbox, i, i+1)
		if err := s.tx.Send(f.frame); err != nil {
			s.stats.SendErrors++
			s.log.WithError(err).Warn("Transmit failed")
		} else {
			s.stats.Transmitted++
		}
		// A failed transmit still counts as an attempt and waits out the timeout
		if t := f.transfer; t != nil && t == s.current {
			t.attempts++
			t.awaiting = true
			t.deadline = now.Add(s.cfg.AckTimeout)
		}
	}
}

func (s *Scheduler) backoff() time.Duration {
	lo, hi := s.cfg.BackoffMin, s.cfg.BackoffMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.rng.Int63n(int64(hi-lo)))
}

func (s *Scheduler) updateReceiver(now time.Time) {
	rc, ok := s.tx.(radio.ReceiveController)
	if !ok {
		return
	}
	want := s.cfg.Listen.Active(now) || s.current != nil
	if s.receiving != nil && *s.receiving == want {
		return
	}
	rc.SetReceive(want)
	s.receiving = &want
}

// Receiving reports whether the scheduler last enabled the receiver.
// Radios without receive control are always on.
func (s *Scheduler) Receiving() bool {
	if s.receiving == nil {
		return true
	}
	return *s.receiving
}

// Pending returns the number of reliable transfers queued or in flight
func (s *Scheduler) Pending() int {
	n := len(s.queue)
	if s.current != nil {
		n++
	}
	return n
}

// Stats returns the scheduler counters
func (s *Scheduler) Stats() Stats {
	return s.stats
}
