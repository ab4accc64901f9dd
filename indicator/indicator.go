package indicator

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/user/ble-battery-server/logger"
)

// Signal is the capability set of a PWM output. Hardware and simulated
// backends implement it.
type Signal interface {
	Configure(frequencyHz uint32) error
	Start() error
	Stop() error
	SetDutyCycle(percent uint8, frequencyHz uint32) error
}

// Pattern is what the status LED shows.
type Pattern uint8

// Duty cycles for each pattern.
const (
	Off      Pattern = 0
	Blinking Pattern = 50
	On       Pattern = 100
)

// FrequencyHz gives a visible blink at 50% duty.
const FrequencyHz = 4

func (p Pattern) String() string {
	switch p {
	case Off:
		return "off"
	case Blinking:
		return "blinking"
	case On:
		return "on"
	}
	return fmt.Sprintf("pattern(%d)", uint8(p))
}

// LED drives a Signal through status patterns.
type LED struct {
	mu      sync.Mutex
	signal  Signal
	current Pattern
}

// NewLED configures signal and leaves the LED off.
func NewLED(signal Signal) (*LED, error) {
	if err := signal.Configure(FrequencyHz); err != nil {
		return nil, errors.Wrap(err, "configure indicator")
	}
	return &LED{signal: signal, current: Off}, nil
}

// SetPattern stops the output, applies the new duty cycle and restarts it.
// Every step runs even when an earlier one fails; the first failure is returned.
func (l *LED) SetPattern(p Pattern) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var first error
	keep := func(err error, step string) {
		if err != nil && first == nil {
			first = errors.Wrapf(err, "indicator %s", step)
		}
	}

	keep(l.signal.Stop(), "stop")
	keep(l.signal.SetDutyCycle(uint8(p), FrequencyHz), "set duty cycle")
	keep(l.signal.Start(), "start")

	l.current = p
	return first
}

// Pattern returns the last pattern applied.
func (l *LED) Pattern() Pattern {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// LogSignal is a simulated PWM that logs every change.
type LogSignal struct {
	mu      sync.Mutex
	running bool
	duty    uint8
}

func (s *LogSignal) Configure(frequencyHz uint32) error {
	logger.Debug("LED", "configured at %d Hz", frequencyHz)
	return nil
}

func (s *LogSignal) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	logger.Debug("LED", "💡 duty %d%%", s.duty)
	return nil
}

func (s *LogSignal) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

func (s *LogSignal) SetDutyCycle(percent uint8, frequencyHz uint32) error {
	if percent > 100 {
		return fmt.Errorf("duty cycle %d%% out of range", percent)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duty = percent
	return nil
}

// State reports whether the simulated output runs and at which duty cycle.
func (s *LogSignal) State() (running bool, duty uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.duty
}
