// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package gateway is the network coordinator side of a valve network. It
// acknowledges and publishes status reports over MQTT and forwards setpoint
// changes from MQTT to the valves.
//
// Topics, with <addr> as two lowercase hex digits:
//
//	<prefix>/<addr>/temperature      retained, degrees
//	<prefix>/<addr>/setpoint         retained, degrees
//	<prefix>/<addr>/position         retained, percent open
//	<prefix>/<addr>/state            retained, calibration state
//	<prefix>/<addr>/faults           retained, fault names
//	<prefix>/<addr>/rssi             retained, dBm
//	<prefix>/<addr>/setpoint/set     subscribed, degrees
//	<prefix>/<addr>/setpoint/result  ok, rejected, no_ack or an error
package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/thermovalve/internal/logutil"
	"github.com/Thermoquad/thermovalve/pkg/netsched"
	"github.com/Thermoquad/thermovalve/pkg/radio"
	"github.com/Thermoquad/thermovalve/pkg/rfproto"
	"github.com/Thermoquad/thermovalve/pkg/security"
	"github.com/Thermoquad/thermovalve/pkg/valve"
)

// Options configures a Bridge
type Options struct {
	Address     rfproto.Address
	Key         security.Key
	Radio       radio.Transport
	Queue       *radio.RxQueue
	Network     netsched.Config
	Broker      Broker
	TopicPrefix string
	RxBudget    int
	Poll        time.Duration
	Logger      logrus.FieldLogger

	// OnReport is called on the bridge goroutine after each status report.
	// It must not call back into the Bridge.
	OnReport func(Valve)

	// Sequence is the last transmitted sequence number. Valves drop frames
	// that do not advance it, so a restarted gateway must resume from the
	// value persisted through SequenceStore.
	Sequence      uint16
	SequenceStore rfproto.SequenceStore
}

// Valve is the last reported state of one valve
type Valve struct {
	Address  rfproto.Address
	Report   rfproto.StatusReport
	RSSI     int
	LastSeen time.Time
}

type request struct {
	out  rfproto.Outbound
	done func(error)
}

// Bridge links the radio network to the broker
type Bridge struct {
	mu     sync.Mutex
	log    logrus.FieldLogger
	opts   Options
	engine *rfproto.Engine
	sched  *netsched.Scheduler
	queue  *radio.RxQueue
	valves map[rfproto.Address]*Valve
	now    time.Time

	requests chan request
}

// New creates a bridge
func New(opts Options) *Bridge {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "thermovalve"
	}
	if opts.RxBudget <= 0 {
		opts.RxBudget = 8
	}
	if opts.Poll <= 0 {
		opts.Poll = 20 * time.Millisecond
	}
	if opts.Network == (netsched.Config{}) {
		opts.Network = netsched.DefaultConfig()
	}
	// Valves share the configured listen schedule. The gateway is mains
	// powered and never sleeps its receiver.
	if opts.Network.PeerListen == (netsched.ListenSchedule{}) {
		opts.Network.PeerListen = opts.Network.Listen
	}
	opts.Network.Listen = netsched.ListenSchedule{}

	engOpts := []rfproto.Option{rfproto.WithSequence(opts.Sequence)}
	if opts.SequenceStore != nil {
		engOpts = append(engOpts, rfproto.WithSequenceStore(opts.SequenceStore))
	}
	if cipher := security.Default(opts.Key); cipher != nil {
		engOpts = append(engOpts, rfproto.WithCipher(cipher))
	}
	b := &Bridge{
		log:      logutil.OrDiscard(opts.Logger).WithFields(logrus.Fields{"component": "gateway", "addr": opts.Address}),
		opts:     opts,
		engine:   rfproto.NewEngine(opts.Address, engOpts...),
		queue:    opts.Queue,
		valves:   make(map[rfproto.Address]*Valve),
		requests: make(chan request, 16),
	}
	if b.queue == nil {
		b.queue = radio.NewRxQueue(radio.DefaultQueueSize)
	}
	b.sched = netsched.New(b.engine, opts.Radio, opts.Network, b.log)
	return b
}

// Queue returns the receive queue the radio delivers into
func (b *Bridge) Queue() *radio.RxQueue {
	return b.queue
}

// Start subscribes to setpoint commands
func (b *Bridge) Start() error {
	if b.opts.Broker == nil {
		return nil
	}
	return b.opts.Broker.Subscribe(b.opts.TopicPrefix+"/+/setpoint/set", b.handleSet)
}

// Run subscribes, asks every valve for its status and drives Step until
// ctx is done
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Start(); err != nil {
		return err
	}
	if l, ok := b.opts.Radio.(radio.Listener); ok {
		go func() {
			if err := l.Listen(ctx, b.queue); err != nil {
				b.log.WithError(err).Error("Radio listener stopped")
			}
		}()
	}
	if err := b.Discover(); err != nil {
		b.log.WithError(err).Warn("Discovery request failed")
	}

	ticker := time.NewTicker(b.opts.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			b.Step(now)
		case <-b.queue.Wake():
			b.Step(time.Now())
		}
	}
}

// Discover broadcasts a status request
func (b *Bridge) Discover() error {
	return b.RequestStatus(rfproto.AddressBroadcast)
}

// RequestStatus asks dst for a status report. The answer is the report
// itself, so the request is sent without retries.
func (b *Bridge) RequestStatus(dst rfproto.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o := rfproto.NewStatusRequest(dst)
	return b.sched.Send(o.Destination, o.Type, o.Payload)
}

// Command queues a reliable command for dst. done, when non-nil, runs on
// the bridge goroutine with the delivery outcome.
func (b *Bridge) Command(o rfproto.Outbound, done func(error)) error {
	if !o.Destination.IsUnicast() {
		return fmt.Errorf("%w: %s", netsched.ErrBroadcast, o.Destination)
	}
	select {
	case b.requests <- request{out: o, done: done}:
		return nil
	default:
		return errors.New("command queue full")
	}
}

// SetSetpoint queues a reliable setpoint update for dst
func (b *Bridge) SetSetpoint(dst rfproto.Address, t valve.Temperature) error {
	return b.SetSetpointFunc(dst, t, nil)
}

// SetSetpointFunc is SetSetpoint with a completion callback
func (b *Bridge) SetSetpointFunc(dst rfproto.Address, t valve.Temperature, done func(error)) error {
	if !t.Valid() {
		return fmt.Errorf("setpoint %s: %w", t, valve.ErrTemperatureRange)
	}
	return b.Command(rfproto.NewSetpointUpdate(dst, t), done)
}

// Recalibrate asks dst to home its valve again
func (b *Bridge) Recalibrate(dst rfproto.Address, done func(error)) error {
	return b.Command(rfproto.NewRecalibrate(dst), done)
}

// Step forwards queued setpoints, ticks the scheduler and handles received frames
func (b *Bridge) Step(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now

	for pending := true; pending; {
		select {
		case r := <-b.requests:
			b.forward(r)
		default:
			pending = false
		}
	}
	b.sched.Tick(now)
	for i := 0; i < b.opts.RxBudget; i++ {
		f, ok := b.queue.Pop()
		if !ok {
			break
		}
		msg, err := b.engine.Decode(f.Data)
		if err != nil {
			b.log.WithError(err).WithField("kind", rfproto.KindOf(err)).Debug("Frame dropped")
			continue
		}
		msg.RSSI = f.RSSI
		msg.Timestamp = f.Received
		b.route(msg)
	}
}

func (b *Bridge) forward(r request) {
	dst := r.out.Destination
	log := b.log.WithFields(logrus.Fields{"peer": dst, "type": rfproto.FormatMessageType(r.out.Type)})

	var setpoint *valve.Temperature
	if r.out.Type == rfproto.MsgSetpointUpdate {
		u, err := rfproto.UnmarshalSetpointUpdate(rfproto.Message{Type: r.out.Type, Payload: r.out.Payload})
		if err == nil {
			setpoint = &u.Setpoint
			log = log.WithField("setpoint", u.Setpoint)
		}
	}
	result := func(s string) {
		if setpoint != nil {
			b.publish(dst, "setpoint/result", s)
		}
	}

	_, err := b.sched.SendReliable(dst, r.out.Type, r.out.Payload, -1, func(t *netsched.Transfer) {
		switch err := t.Err(); {
		case err == nil:
			log.WithField("attempts", t.Attempts()).Info("Command delivered")
			if v := b.valves[dst]; v != nil && setpoint != nil {
				v.Report.Setpoint = *setpoint
				b.publish(dst, "setpoint", setpoint.String())
			}
			result("ok")
		case errors.Is(err, netsched.ErrRejected):
			log.Warn("Command rejected by valve")
			result("rejected")
		case errors.Is(err, netsched.ErrNoAck):
			log.Warn("Command not acknowledged")
			result("no_ack")
		default:
			log.WithError(err).Warn("Command failed")
			result(err.Error())
		}
		if r.done != nil {
			r.done(t.Err())
		}
	})
	if err != nil {
		log.WithError(err).Warn("Command not queued")
		result(err.Error())
		if r.done != nil {
			r.done(err)
		}
	}
}

func (b *Bridge) route(msg rfproto.Message) {
	switch msg.Type {
	case rfproto.MsgStatusReport:
		r, err := rfproto.UnmarshalStatusReport(msg)
		if err != nil {
			b.log.WithError(err).WithField("peer", msg.Source).Warn("Undecodable status report")
			return
		}
		if !msg.IsBroadcast() {
			o := rfproto.NewAck(msg.Source, msg.Sequence, rfproto.AckAccepted)
			if err := b.sched.Send(o.Destination, o.Type, o.Payload); err != nil {
				b.log.WithError(err).Warn("ACK not sent")
			}
		}
		for _, a := range rfproto.ValidateMessage(msg) {
			b.log.WithField("peer", msg.Source).Warn(a.Error())
		}
		b.updateValve(msg, r)

	case rfproto.MsgAck:
		b.sched.HandleAck(msg)

	default:
		b.log.WithFields(logrus.Fields{"peer": msg.Source, "type": rfproto.FormatMessageType(msg.Type)}).Debug("Ignoring message")
	}
}

func (b *Bridge) updateValve(msg rfproto.Message, r rfproto.StatusReport) {
	v := b.valves[msg.Source]
	if v == nil {
		v = &Valve{Address: msg.Source}
		b.valves[msg.Source] = v
		b.log.WithField("peer", msg.Source).Info("Discovered valve")
	}
	v.Report = r
	v.RSSI = msg.RSSI
	v.LastSeen = b.now

	b.publish(msg.Source, "temperature", r.Temperature.String())
	b.publish(msg.Source, "setpoint", r.Setpoint.String())
	b.publish(msg.Source, "position", strconv.Itoa(int(r.Position)))
	b.publish(msg.Source, "state", r.CalibrationState().String())
	b.publish(msg.Source, "faults", r.Faults.String())
	b.publish(msg.Source, "rssi", strconv.Itoa(msg.RSSI))

	if b.opts.OnReport != nil {
		b.opts.OnReport(*v)
	}
}

// Topic returns the full topic for a valve field
func (b *Bridge) Topic(addr rfproto.Address, field string) string {
	return fmt.Sprintf("%s/%02x/%s", b.opts.TopicPrefix, uint8(addr), field)
}

func (b *Bridge) publish(addr rfproto.Address, field, value string) {
	if b.opts.Broker == nil {
		return
	}
	topic := b.Topic(addr, field)
	if err := b.opts.Broker.Publish(topic, field != "setpoint/result", []byte(value)); err != nil {
		b.log.WithError(err).WithField("topic", topic).Warn("Publish failed")
	}
}

// handleSet runs on the broker's goroutine and only touches the request
// channel
func (b *Bridge) handleSet(topic string, payload []byte) {
	rest, ok := strings.CutPrefix(topic, b.opts.TopicPrefix+"/")
	if !ok {
		return
	}
	seg, _, _ := strings.Cut(rest, "/")
	addr, err := strconv.ParseUint(seg, 16, 8)
	if err != nil {
		b.log.WithField("topic", topic).Warn("Invalid valve address in topic")
		return
	}
	t, err := valve.ParseTemperature(string(payload))
	if err == nil {
		err = b.SetSetpoint(rfproto.Address(addr), t)
	}
	if err != nil {
		b.log.WithError(err).WithField("topic", topic).Warn("Setpoint command rejected")
		b.publish(rfproto.Address(addr), "setpoint/result", err.Error())
	}
}

// Valves returns the known valves
func (b *Bridge) Valves() []Valve {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Valve, 0, len(b.valves))
	for _, v := range b.valves {
		out = append(out, *v)
	}
	slices.SortFunc(out, func(x, y Valve) int { return int(x.Address) - int(y.Address) })
	return out
}

// Stats returns the scheduler counters and protocol diagnostics
func (b *Bridge) Stats() (netsched.Stats, rfproto.Counters) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sched.Stats(), b.engine.Counters()
}
