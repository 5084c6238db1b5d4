// Package power simulates the drone battery and the availability cycle it drives.
package power

import (
	"context"
	"errors"
	"sync"
	"time"

	"drone-telemetry/internal/models"
)

// Mode is the drone's position in the battery cycle
type Mode int

const (
	Normal Mode = iota
	Returning
	Charging
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "Normal"
	case Returning:
		return "Returning To Base"
	case Charging:
		return "Charging"
	}
	return "Unknown"
}

// Status maps the mode to the status string sent upstream
func (m Mode) Status() models.DroneStatus {
	switch m {
	case Returning:
		return models.StatusReturningToBase
	case Charging:
		return models.StatusCharging
	}
	return models.StatusNormal
}

// Threshold bounds accepted by SetThreshold
const (
	MinThreshold = 5.0
	MaxThreshold = 50.0
)

// ErrInvalidThreshold is returned when a threshold outside [MinThreshold, MaxThreshold] is requested
var ErrInvalidThreshold = errors.New("battery threshold must be between 5 and 50")

// Config holds battery simulation configuration
type Config struct {
	InitialLevel   float64       // percent
	Threshold      float64       // percent; below this the drone returns to base
	DrainRate      float64       // percent per tick while Normal
	ChargeRate     float64       // percent per second while Charging
	ReturnDuration time.Duration // transit time to base
	ChargeTarget   float64       // percent at which charging stops
	TickInterval   time.Duration
}

// DefaultConfig returns the default battery configuration
func DefaultConfig() Config {
	return Config{
		InitialLevel:   100,
		Threshold:      20,
		DrainRate:      0.1,
		ChargeRate:     0.5,
		ReturnDuration: 10 * time.Second,
		ChargeTarget:   80,
		TickInterval:   100 * time.Millisecond,
	}
}

// Status is a point-in-time view of the machine. Progress and TimeLeft are
// only meaningful while Returning or Charging.
type Status struct {
	Level           float64
	Threshold       float64
	Mode            Mode
	Progress        float64 // percent
	TimeLeft        time.Duration
	ReturnStartedAt time.Time
	ChargeStartedAt time.Time
}

// Machine drains the battery while Normal, holds it while Returning and
// charges it while Charging. Modes only advance Normal, Returning, Charging, Normal.
type Machine struct {
	config Config
	now    func() time.Time

	mu               sync.Mutex
	level            float64
	threshold        float64
	mode             Mode
	returnStartedAt  time.Time
	chargeStartedAt  time.Time
	lastChargeAt     time.Time
	chargeStartLevel float64
}

// NewMachine creates a machine in Normal mode at the configured initial level
func NewMachine(config Config) *Machine {
	return &Machine{
		config:    config,
		now:       time.Now,
		level:     config.InitialLevel,
		threshold: config.Threshold,
		mode:      Normal,
	}
}

// SetClock replaces the time source; tests drive the machine with a fake clock
func (m *Machine) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Consume drains one tick worth of battery. It returns true on the tick that
// moves the machine from Normal to Returning.
func (m *Machine) Consume() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != Normal {
		return false
	}

	m.level -= m.config.DrainRate
	if m.level < 0 {
		m.level = 0
	}
	if m.level < m.threshold {
		m.mode = Returning
		m.returnStartedAt = m.now()
		return true
	}
	return false
}

// Charge advances the Returning and Charging modes. It returns true when the mode changed.
func (m *Machine) Charge() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	switch m.mode {
	case Returning:
		if now.Sub(m.returnStartedAt) < m.config.ReturnDuration {
			return false
		}
		m.mode = Charging
		m.chargeStartedAt = now
		m.lastChargeAt = now
		m.chargeStartLevel = m.level
		return true

	case Charging:
		elapsed := now.Sub(m.lastChargeAt).Seconds()
		m.lastChargeAt = now
		m.level += m.config.ChargeRate * elapsed
		if m.level > 100 {
			m.level = 100
		}
		if m.level < m.config.ChargeTarget {
			return false
		}
		m.mode = Normal
		m.returnStartedAt = time.Time{}
		m.chargeStartedAt = time.Time{}
		m.lastChargeAt = time.Time{}
		m.chargeStartLevel = 0
		return true
	}
	return false
}

// Tick runs one step of the cycle and returns the resulting mode and whether it changed
func (m *Machine) Tick() (Mode, bool) {
	var changed bool
	if m.Mode() == Normal {
		changed = m.Consume()
	} else {
		changed = m.Charge()
	}
	return m.Mode(), changed
}

// Run ticks the machine every TickInterval until ctx is done. onChange is
// called synchronously from the tick loop on every mode change.
func (m *Machine) Run(ctx context.Context, onChange func(from, to Mode)) {
	interval := m.config.TickInterval
	if interval <= 0 {
		interval = DefaultConfig().TickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := m.Mode()
			mode, changed := m.Tick()
			if changed && onChange != nil {
				onChange(before, mode)
			}
		}
	}
}

// CheckStatus returns the level, mode and, while Returning or Charging, the
// progress through the current phase and an estimate of the time left.
func (m *Machine) CheckStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		Level:           m.level,
		Threshold:       m.threshold,
		Mode:            m.mode,
		ReturnStartedAt: m.returnStartedAt,
		ChargeStartedAt: m.chargeStartedAt,
	}

	switch m.mode {
	case Returning:
		elapsed := m.now().Sub(m.returnStartedAt)
		if m.config.ReturnDuration > 0 {
			s.Progress = clampPercent(float64(elapsed) / float64(m.config.ReturnDuration) * 100)
		} else {
			s.Progress = 100
		}
		if left := m.config.ReturnDuration - elapsed; left > 0 {
			s.TimeLeft = left
		}

	case Charging:
		span := m.config.ChargeTarget - m.chargeStartLevel
		if span > 0 {
			s.Progress = clampPercent((m.level - m.chargeStartLevel) / span * 100)
		} else {
			s.Progress = 100
		}
		if remaining := m.config.ChargeTarget - m.level; remaining > 0 && m.config.ChargeRate > 0 {
			s.TimeLeft = time.Duration(remaining / m.config.ChargeRate * float64(time.Second))
		}
	}
	return s
}

// SetThreshold changes the return-to-base threshold. Values outside
// [MinThreshold, MaxThreshold] are rejected and the current threshold is kept.
func (m *Machine) SetThreshold(threshold float64) error {
	if threshold < MinThreshold || threshold > MaxThreshold {
		return ErrInvalidThreshold
	}
	m.mu.Lock()
	m.threshold = threshold
	m.mu.Unlock()
	return nil
}

// Mode returns the current mode
func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Level returns the current battery level in percent
func (m *Machine) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Accepting reports whether the drone may take sensor connections
func (m *Machine) Accepting() bool {
	return m.Mode() == Normal
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
