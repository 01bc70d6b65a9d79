// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package netsched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/thermovalve/pkg/rfproto"
)

type fakeRadio struct {
	frames  [][]byte
	busy    int
	receive []bool
}

func (r *fakeRadio) Send(frame []byte) error {
	r.frames = append(r.frames, append([]byte(nil), frame...))
	return nil
}

func (r *fakeRadio) ChannelBusy() bool {
	if r.busy > 0 {
		r.busy--
		return true
	}
	return false
}

func (r *fakeRadio) SetReceive(on bool) {
	r.receive = append(r.receive, on)
}

var t0 = time.Unix(1000, 0)

const step = 100 * time.Millisecond

func newTestScheduler(t *testing.T) (*Scheduler, *fakeRadio, *rfproto.Engine) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Seed = 1
	radio := &fakeRadio{}
	s := New(rfproto.NewEngine(0x01), radio, cfg, nil)
	s.Tick(t0)
	return s, radio, rfproto.NewEngine(0x02)
}

// ackFor builds the ACK the destination would send for frame
func ackFor(t *testing.T, frame []byte, status rfproto.AckStatus) rfproto.Message {
	t.Helper()
	h, err := rfproto.Peek(frame)
	require.NoError(t, err)
	o := rfproto.NewAck(h.Source, h.Sequence, status)
	return rfproto.Message{Source: h.Destination, Destination: h.Source, Type: o.Type, Payload: o.Payload}
}

func runFor(s *Scheduler, from time.Time, d time.Duration) time.Time {
	now := from
	for end := from.Add(d); now.Before(end); {
		now = now.Add(step)
		s.Tick(now)
	}
	return now
}

// ============================================================
// Reliable send
// ============================================================

func TestSendReliable_NoAckAfterMaxRetries(t *testing.T) {
	s, radio, receiver := newTestScheduler(t)
	payload := []byte{0xA1, 0xB2}

	xfer, err := s.SendReliable(0x02, rfproto.MsgSetpointUpdate, payload, 3, nil)
	require.NoError(t, err)

	runFor(s, t0, 10*time.Second)

	select {
	case <-xfer.Done():
	default:
		t.Fatal("transfer not finished")
	}
	assert.ErrorIs(t, xfer.Err(), ErrNoAck)
	assert.Equal(t, 4, xfer.Attempts())
	require.Len(t, radio.frames, 4, "1 original + 3 retries")

	var last uint16
	for i, frame := range radio.frames {
		msg, err := receiver.Decode(frame)
		require.NoError(t, err, "attempt %d", i+1)
		assert.Equal(t, payload, msg.Payload)
		if i > 0 {
			assert.True(t, rfproto.Newer(msg.Sequence, last), "each attempt has a new sequence")
		}
		last = msg.Sequence
	}
	assert.Equal(t, uint64(1), s.Stats().NoAck)
	assert.Equal(t, uint64(3), s.Stats().Retries)
	assert.Zero(t, s.Pending())
}

func TestSendReliable_AttemptsAreSpacedByTimeout(t *testing.T) {
	s, radio, _ := newTestScheduler(t)
	_, err := s.SendReliable(0x02, rfproto.MsgStatusReport, nil, 1, nil)
	require.NoError(t, err)

	s.Tick(t0.Add(step))
	require.Len(t, radio.frames, 1)
	runFor(s, t0.Add(step), 300*time.Millisecond)
	assert.Len(t, radio.frames, 1, "no retry before the ack timeout")
	runFor(s, t0.Add(400*time.Millisecond), 300*time.Millisecond)
	assert.Len(t, radio.frames, 2)
}

func TestSendReliable_AckCompletes(t *testing.T) {
	s, radio, _ := newTestScheduler(t)
	var called *Transfer
	xfer, err := s.SendReliable(0x02, rfproto.MsgStatusReport, []byte{1}, 3, func(tr *Transfer) { called = tr })
	require.NoError(t, err)

	now := runFor(s, t0, step)
	require.Len(t, radio.frames, 1)

	assert.True(t, s.HandleAck(ackFor(t, radio.frames[0], rfproto.AckAccepted)))
	<-xfer.Done()
	assert.NoError(t, xfer.Err())
	assert.Equal(t, 1, xfer.Attempts())
	assert.Same(t, xfer, called)

	runFor(s, now, 5*time.Second)
	assert.Len(t, radio.frames, 1, "no retransmission after ack")
}

func TestSendReliable_AckForEarlierAttempt(t *testing.T) {
	s, radio, _ := newTestScheduler(t)
	xfer, _ := s.SendReliable(0x02, rfproto.MsgStatusReport, nil, 3, nil)

	runFor(s, t0, 700*time.Millisecond)
	require.Len(t, radio.frames, 2)

	// A late ACK for the first attempt still completes the transfer
	assert.True(t, s.HandleAck(ackFor(t, radio.frames[0], rfproto.AckAccepted)))
	<-xfer.Done()
	assert.NoError(t, xfer.Err())
	assert.Equal(t, 2, xfer.Attempts())
}

func TestHandleAck_Ignored(t *testing.T) {
	s, radio, _ := newTestScheduler(t)
	assert.False(t, s.HandleAck(rfproto.Message{Type: rfproto.MsgAck}), "nothing in flight")

	_, _ = s.SendReliable(0x02, rfproto.MsgStatusReport, nil, 3, nil)
	runFor(s, t0, step)
	ack := ackFor(t, radio.frames[0], rfproto.AckAccepted)

	wrongPeer := ack
	wrongPeer.Source = 0x09
	assert.False(t, s.HandleAck(wrongPeer))

	wrongSeq := rfproto.NewAck(0x01, 0x7777, rfproto.AckAccepted)
	assert.False(t, s.HandleAck(rfproto.Message{Source: 0x02, Type: rfproto.MsgAck, Payload: wrongSeq.Payload}))

	notAck := ack
	notAck.Type = rfproto.MsgStatusReport
	assert.False(t, s.HandleAck(notAck))

	assert.Equal(t, 1, s.Pending())
}

func TestSendReliable_Rejected(t *testing.T) {
	s, radio, _ := newTestScheduler(t)
	xfer, _ := s.SendReliable(0x02, rfproto.MsgSetpointUpdate, []byte{1}, 3, nil)
	runFor(s, t0, step)

	assert.True(t, s.HandleAck(ackFor(t, radio.frames[0], rfproto.AckRejected)))
	<-xfer.Done()
	assert.ErrorIs(t, xfer.Err(), ErrRejected)
	assert.Equal(t, uint64(1), s.Stats().Rejected)
}

func TestSendReliable_FIFO(t *testing.T) {
	s, radio, _ := newTestScheduler(t)
	first, _ := s.SendReliable(0x02, rfproto.MsgStatusReport, []byte{1}, 0, nil)
	second, _ := s.SendReliable(0x03, rfproto.MsgStatusReport, []byte{2}, 0, nil)
	assert.Equal(t, 2, s.Pending())

	now := runFor(s, t0, step)
	require.Len(t, radio.frames, 1)
	h, _ := rfproto.Peek(radio.frames[0])
	assert.Equal(t, rfproto.Address(0x02), h.Destination)

	s.HandleAck(ackFor(t, radio.frames[0], rfproto.AckAccepted))
	runFor(s, now, step)
	require.Len(t, radio.frames, 2)
	h, _ = rfproto.Peek(radio.frames[1])
	assert.Equal(t, rfproto.Address(0x03), h.Destination)

	runFor(s, now, 2*time.Second)
	<-first.Done()
	<-second.Done()
	assert.NoError(t, first.Err())
	assert.ErrorIs(t, second.Err(), ErrNoAck)
	assert.Equal(t, 1, second.Attempts(), "maxRetries 0 sends once")
}

func TestTransfer_Cancel(t *testing.T) {
	s, radio, _ := newTestScheduler(t)
	inFlight, _ := s.SendReliable(0x02, rfproto.MsgStatusReport, nil, 3, nil)
	queued, _ := s.SendReliable(0x03, rfproto.MsgStatusReport, nil, 3, nil)

	now := runFor(s, t0, step)
	require.Len(t, radio.frames, 1)

	queued.Cancel()
	inFlight.Cancel()
	runFor(s, now, 5*time.Second)

	assert.ErrorIs(t, inFlight.Err(), ErrCancelled)
	assert.ErrorIs(t, queued.Err(), ErrCancelled)
	assert.Len(t, radio.frames, 1, "nothing sent after cancel")
	assert.Zero(t, s.Pending())
}

func TestSendReliable_Validation(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	_, err := s.SendReliable(rfproto.AddressBroadcast, rfproto.MsgStatusReport, nil, 3, nil)
	assert.ErrorIs(t, err, ErrBroadcast)

	_, err = s.SendReliable(0x02, rfproto.MsgStatusReport, make([]byte, rfproto.MaxPayloadSize+1), 3, nil)
	assert.ErrorIs(t, err, rfproto.ErrPayloadTooLarge)

	for i := 0; i < DefaultConfig().QueueLimit; i++ {
		_, err = s.SendReliable(0x02, rfproto.MsgStatusReport, nil, 3, nil)
		require.NoError(t, err)
	}
	_, err = s.SendReliable(0x02, rfproto.MsgStatusReport, nil, 3, nil)
	assert.Error(t, err)
}

// ============================================================
// Collision handling
// ============================================================

func TestSend_BacksOffWhileBusy(t *testing.T) {
	s, radio, _ := newTestScheduler(t)
	radio.busy = 2

	require.NoError(t, s.Send(0x02, rfproto.MsgAck, nil))
	assert.Empty(t, radio.frames)

	s.Tick(t0.Add(200 * time.Millisecond))
	assert.Empty(t, radio.frames)

	s.Tick(t0.Add(400 * time.Millisecond))
	assert.Len(t, radio.frames, 1)
	assert.Equal(t, uint64(2), s.Stats().Backoffs)
}

func TestSend_TransmitsAnywayAfterMaxBackoffs(t *testing.T) {
	s, radio, _ := newTestScheduler(t)
	radio.busy = 1000

	require.NoError(t, s.Send(0x02, rfproto.MsgAck, nil))
	runFor(s, t0, 2*time.Second)

	assert.Len(t, radio.frames, 1)
	assert.Equal(t, uint64(DefaultConfig().MaxBackoffs), s.Stats().Backoffs)
}

func TestBackoff_WithinRange(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	cfg := DefaultConfig()
	for i := 0; i < 1000; i++ {
		d := s.backoff()
		require.GreaterOrEqual(t, d, cfg.BackoffMin)
		require.Less(t, d, cfg.BackoffMax)
	}
}

func TestSend_Immediate(t *testing.T) {
	s, radio, receiver := newTestScheduler(t)
	require.NoError(t, s.Send(rfproto.AddressBroadcast, rfproto.MsgStatusRequest, nil))
	require.Len(t, radio.frames, 1)
	msg, err := receiver.Decode(radio.frames[0])
	require.NoError(t, err)
	assert.True(t, msg.IsBroadcast())
}

// ============================================================
// Listen windows
// ============================================================

func TestListenSchedule(t *testing.T) {
	sched := ListenSchedule{Period: time.Second, Window: 100 * time.Millisecond, Offset: 250 * time.Millisecond}

	assert.False(t, sched.Active(t0))
	assert.True(t, sched.Active(t0.Add(250*time.Millisecond)))
	assert.True(t, sched.Active(t0.Add(349*time.Millisecond)))
	assert.False(t, sched.Active(t0.Add(350*time.Millisecond)))
	assert.Equal(t, t0.Add(250*time.Millisecond), sched.NextWake(t0))
	assert.Equal(t, t0.Add(1250*time.Millisecond), sched.NextWake(t0.Add(400*time.Millisecond)))
	assert.InDelta(t, 0.1, sched.DutyCycle(), 1e-9)

	// Before the epoch the phase still wraps correctly
	assert.True(t, sched.Active(time.Unix(-1, 250_000_000)))

	assert.True(t, ListenSchedule{}.Active(t0))
	assert.True(t, ListenSchedule{}.AlwaysOn())

	// A period without a window never sleeps
	noWindow := ListenSchedule{Period: time.Second}
	assert.True(t, noWindow.AlwaysOn())
	assert.True(t, noWindow.Active(t0.Add(500*time.Millisecond)))
	assert.Equal(t, 1.0, noWindow.DutyCycle())
}

func TestListenSchedule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		sched   ListenSchedule
		wantErr bool
	}{
		{"always on", ListenSchedule{}, false},
		{"duty cycled", ListenSchedule{Period: time.Second, Window: 100 * time.Millisecond}, false},
		{"window covers period", ListenSchedule{Period: time.Second, Window: 2 * time.Second}, false},
		{"period without window", ListenSchedule{Period: time.Second}, true},
		{"negative window", ListenSchedule{Period: time.Second, Window: -time.Millisecond}, true},
		{"negative period", ListenSchedule{Period: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sched.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScheduler_DutyCyclesReceiver(t *testing.T) {
	s, radio, _ := newTestScheduler(t)
	require.Equal(t, []bool{true}, radio.receive, "t0 is inside the window")

	s.Tick(t0.Add(500 * time.Millisecond))
	assert.Equal(t, []bool{true, false}, radio.receive)
	assert.False(t, s.Receiving())

	// Awaiting an ACK keeps the receiver on outside the window
	_, _ = s.SendReliable(0x02, rfproto.MsgStatusReport, nil, 0, nil)
	s.Tick(t0.Add(600 * time.Millisecond))
	assert.Equal(t, []bool{true, false, true}, radio.receive)

	// Transfer gives up; receiver goes back to sleep
	s.Tick(t0.Add(1200 * time.Millisecond))
	assert.False(t, s.Receiving())
}

func TestSendReliable_WaitsForPeerWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed = 1
	cfg.PeerListen = ListenSchedule{Period: time.Second, Window: 100 * time.Millisecond, Offset: 500 * time.Millisecond}
	radio := &fakeRadio{}
	s := New(rfproto.NewEngine(0x01), radio, cfg, nil)
	s.Tick(t0)

	_, err := s.SendReliable(0x02, rfproto.MsgSetpointUpdate, nil, 3, nil)
	require.NoError(t, err)
	require.NoError(t, s.Send(0x03, rfproto.MsgAck, nil))

	s.Tick(t0.Add(step))
	require.Len(t, radio.frames, 1, "unreliable frames are not held")
	h, _ := rfproto.Peek(radio.frames[0])
	assert.Equal(t, rfproto.MsgAck, h.Type)

	runFor(s, t0.Add(step), 300*time.Millisecond)
	assert.Len(t, radio.frames, 1)

	s.Tick(t0.Add(500 * time.Millisecond))
	require.Len(t, radio.frames, 2)
	h, _ = rfproto.Peek(radio.frames[1])
	assert.Equal(t, rfproto.MsgSetpointUpdate, h.Type)
}

func TestSendReliable_PeerWithoutWindowCompletes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed = 1
	cfg.PeerListen = ListenSchedule{Period: time.Second}
	radio := &fakeRadio{}
	s := New(rfproto.NewEngine(0x01), radio, cfg, nil)
	s.Tick(t0)

	xfer, err := s.SendReliable(0x02, rfproto.MsgSetpointUpdate, nil, 3, nil)
	require.NoError(t, err)
	runFor(s, t0, 5*time.Second)

	select {
	case <-xfer.Done():
	default:
		t.Fatal("transfer still pending")
	}
	assert.ErrorIs(t, xfer.Err(), ErrNoAck)
	assert.Len(t, radio.frames, 4)
	assert.Zero(t, s.Pending())
}
