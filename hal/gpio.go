package hal

import (
	"fmt"
	"strings"
	"sync"
)

// GPIOMode selects whether a pin is an input or output.
type GPIOMode uint8

const (
	GPIOModeInput GPIOMode = iota
	GPIOModeOutput
)

// GPIOPull selects the pull resistor configuration.
type GPIOPull uint8

const (
	GPIOPullNone GPIOPull = iota
	GPIOPullUp
	GPIOPullDown
)

// GPIOCaps declares what operations a pin supports.
type GPIOCaps uint8

const (
	GPIOCapInput GPIOCaps = 1 << iota
	GPIOCapOutput
	GPIOCapPullUp
	GPIOCapPullDown
)

// GPIO is a bank of digital pins indexed from zero.
type GPIO interface {
	PinCount() int
	Pin(id int) GPIOPin
}

// GPIOPin is a single digital IO pin. Tick-clocked pins are safe to read
// from interrupt handlers.
type GPIOPin interface {
	Name() string
	Caps() GPIOCaps
	Configure(mode GPIOMode, pull GPIOPull) error
	Read() (level bool, err error)
	Write(level bool) error
}

// PinByName returns the first pin called name, or nil.
func PinByName(g GPIO, name string) GPIOPin {
	for i := 0; i < g.PinCount(); i++ {
		if p := g.Pin(i); p != nil && p.Name() == name {
			return p
		}
	}
	return nil
}

// pinBank is the host GPIO: a fixed list of pins.
type pinBank []GPIOPin

func newVirtualGPIO(pins []GPIOPin) GPIO {
	bank := make(pinBank, 0, len(pins))
	for _, p := range pins {
		if p != nil {
			bank = append(bank, p)
		}
	}
	return bank
}

func (b pinBank) PinCount() int { return len(b) }

func (b pinBank) Pin(id int) GPIOPin {
	if id < 0 || id >= len(b) {
		return nil
	}
	return b[id]
}

func pinErr(name, format string, args ...any) error {
	return fmt.Errorf("gpio: pin %s: "+format, append([]any{name}, args...)...)
}

// checkConfig validates a mode/pull pair against caps.
func checkConfig(name string, caps GPIOCaps, mode GPIOMode, pull GPIOPull) error {
	var need GPIOCaps
	switch mode {
	case GPIOModeInput:
		need = GPIOCapInput
	case GPIOModeOutput:
		need = GPIOCapOutput
	default:
		return pinErr(name, "invalid mode %d", mode)
	}
	switch pull {
	case GPIOPullNone:
	case GPIOPullUp:
		need |= GPIOCapPullUp
	case GPIOPullDown:
		need |= GPIOCapPullDown
	default:
		return pinErr(name, "invalid pull %d", pull)
	}
	if caps&need != need {
		return pinErr(name, "mode %d pull %d unsupported", mode, pull)
	}
	return nil
}

// virtualPin latches whatever was last written while in output mode.
type virtualPin struct {
	mu    sync.Mutex
	name  string
	caps  GPIOCaps
	mode  GPIOMode
	level bool
}

func newVirtualPin(name string, caps GPIOCaps) *virtualPin {
	return &virtualPin{name: name, caps: caps}
}

func (p *virtualPin) Name() string   { return p.name }
func (p *virtualPin) Caps() GPIOCaps { return p.caps }

func (p *virtualPin) Configure(mode GPIOMode, pull GPIOPull) error {
	if err := checkConfig(p.name, p.caps, mode, pull); err != nil {
		return err
	}
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
	return nil
}

func (p *virtualPin) Read() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level, nil
}

func (p *virtualPin) Write(level bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode != GPIOModeOutput {
		return pinErr(p.name, "not in output mode")
	}
	p.level = level
	return nil
}

// signalPin is a read-only square wave clocked in ticks: high for the first
// high ticks of every period.
type signalPin struct {
	name   string
	now    func() uint32
	period uint32
	high   uint32
}

func newSignalPin(name string, period, high uint32, now func() uint32) GPIOPin {
	if strings.TrimSpace(name) == "" || now == nil {
		return nil
	}
	period = max(period, 1)
	return &signalPin{name: name, now: now, period: period, high: min(high, period)}
}

func (p *signalPin) Name() string   { return p.name }
func (p *signalPin) Caps() GPIOCaps { return GPIOCapInput }

func (p *signalPin) Configure(mode GPIOMode, pull GPIOPull) error {
	return checkConfig(p.name, p.Caps(), mode, pull)
}

func (p *signalPin) Read() (bool, error) {
	return p.now()%p.period < p.high, nil
}

func (p *signalPin) Write(bool) error {
	return pinErr(p.name, "input only")
}

// ledPin drives the board LED.
type ledPin struct {
	mu    sync.Mutex
	led   LED
	name  string
	level bool
}

func newLEDPin(name string, led LED) GPIOPin {
	if led == nil {
		return nil
	}
	return &ledPin{led: led, name: name}
}

func (p *ledPin) Name() string   { return p.name }
func (p *ledPin) Caps() GPIOCaps { return GPIOCapOutput }

func (p *ledPin) Configure(mode GPIOMode, pull GPIOPull) error {
	return checkConfig(p.name, p.Caps(), mode, pull)
}

func (p *ledPin) Read() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level, nil
}

func (p *ledPin) Write(level bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.level = level
	if level {
		p.led.High()
	} else {
		p.led.Low()
	}
	return nil
}
