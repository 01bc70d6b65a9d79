// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sim models the physical side of a radiator valve: the room it
// heats, the stepper motor with its mechanical stops, and the thermometer.
package sim

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/Thermoquad/thermovalve/pkg/valve"
)

// RoomConfig holds the thermal model parameters
type RoomConfig struct {
	Initial  float64 `mapstructure:"initial"`  // °C
	Outside  float64 `mapstructure:"outside"`  // °C
	Radiator float64 `mapstructure:"radiator"` // flow temperature, °C
	// Heat exchange rates per hour
	HeatRate float64 `mapstructure:"heat_rate"`
	LossRate float64 `mapstructure:"loss_rate"`
}

// DefaultRoomConfig returns a room that settles near 24 °C with the valve
// fully open
func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		Initial:  17,
		Outside:  5,
		Radiator: 55,
		HeatRate: 0.6,
		LossRate: 0.5,
	}
}

// Room is a first-order thermal model. The radiator pulls the air toward
// its flow temperature in proportion to the valve opening; the walls pull
// it toward the outside temperature.
type Room struct {
	mu   sync.Mutex
	cfg  RoomConfig
	temp float64
}

// NewRoom creates a room at the configured initial temperature
func NewRoom(cfg RoomConfig) *Room {
	return &Room{cfg: cfg, temp: cfg.Initial}
}

// Step advances the model by dt with the valve percentOpen
func (r *Room) Step(percentOpen int, dt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	open := math.Max(0, math.Min(100, float64(percentOpen))) / 100
	hours := dt.Hours()
	heat := r.cfg.HeatRate * open * (r.cfg.Radiator - r.temp)
	loss := r.cfg.LossRate * (r.temp - r.cfg.Outside)
	r.temp += (heat - loss) * hours
}

// Temperature returns the air temperature in °C
func (r *Room) Temperature() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.temp
}

// SetTemperature forces the air temperature
func (r *Room) SetTemperature(c float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.temp = c
}

// Thermometer samples a Room
type Thermometer struct {
	mu       sync.Mutex
	room     *Room
	noise    float64
	rng      *rand.Rand
	override *valve.Temperature
}

// NewThermometer reads room with uniform noise of ±noise °C
func NewThermometer(room *Room, noise float64, seed int64) *Thermometer {
	return &Thermometer{room: room, noise: noise, rng: rand.New(rand.NewSource(seed))}
}

// Read returns the current reading in hundredths of a degree. Readings
// outside the representable range saturate.
func (t *Thermometer) Read() valve.Temperature {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.override != nil {
		return *t.override
	}
	c := t.room.Temperature()
	if t.noise > 0 {
		c += (t.rng.Float64()*2 - 1) * t.noise
	}
	v := math.Round(c * 100)
	v = math.Max(math.MinInt16, math.Min(math.MaxInt16, v))
	return valve.Temperature(v)
}

// Override makes Read return v until Clear is called. Used to inject
// sensor faults.
func (t *Thermometer) Override(v valve.Temperature) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.override = &v
}

// Clear removes an override
func (t *Thermometer) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.override = nil
}

// Motor is a stepper driving the valve pin between two mechanical stops at
// 0 and Travel. Driving into a stop moves fewer steps than commanded.
type Motor struct {
	mu         sync.Mutex
	travel     int
	pos        int
	obstructed bool
	moves      int
}

// NewMotor creates a motor with the given travel, starting at position start
func NewMotor(travel, start int) *Motor {
	if start < 0 {
		start = 0
	}
	if start > travel {
		start = travel
	}
	return &Motor{travel: travel, pos: start}
}

// Execute runs a command and returns the steps actually moved
func (m *Motor) Execute(cmd valve.Command) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cmd.Steps <= 0 || cmd.Direction == valve.Stop {
		return 0
	}
	m.moves++
	if m.obstructed {
		return 0
	}
	var moved int
	switch cmd.Direction {
	case valve.Open:
		moved = min(cmd.Steps, m.travel-m.pos)
		m.pos += moved
	case valve.Close:
		moved = min(cmd.Steps, m.pos)
		m.pos -= moved
	}
	return moved
}

// Obstruct blocks or frees the pin
func (m *Motor) Obstruct(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obstructed = on
}

// Position returns the true pin position in steps
func (m *Motor) Position() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

// PercentOpen returns the true opening
func (m *Motor) PercentOpen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.travel <= 0 {
		return 0
	}
	return m.pos * 100 / m.travel
}

// Moves returns the number of non-trivial commands executed
func (m *Motor) Moves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moves
}
