package hal

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HostConfig configures the host HAL.
type HostConfig struct {
	Logger *zap.Logger

	// TickPeriod is the interval of the host tick stream.
	TickPeriod time.Duration

	// Clock drives the signal pins. Nil uses the host tick count.
	Clock func() uint32
}

// New returns a host HAL. The tick stream is idle until RunTicks is called.
func New(cfg HostConfig) *HostHAL {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = time.Millisecond
	}
	logger := &hostLogger{log: cfg.Logger.Named("hal")}
	t := newHostTime(cfg.TickPeriod)
	clock := cfg.Clock
	if clock == nil {
		clock = t.count
	}
	led := &hostLED{logger: logger}
	pins := []GPIOPin{newLEDPin("LED", led)}
	for i := 0; i < 3; i++ {
		pins = append(pins, newVirtualPin(fmt.Sprintf("GPIO%d", i+1), GPIOCapInput|GPIOCapOutput|GPIOCapPullUp|GPIOCapPullDown))
	}
	pins = append(pins,
		newSignalPin("SIG10", 10, 5, clock),
		newSignalPin("SIGPULSE", 50, 2, clock),
	)
	return &HostHAL{
		logger: logger,
		led:    led,
		gpio:   newVirtualGPIO(pins),
		t:      t,
	}
}

var _ HAL = (*HostHAL)(nil)

// HostHAL is the HAL used when running on a development machine.
type HostHAL struct {
	logger *hostLogger
	led    *hostLED
	gpio   GPIO
	t      *hostTime
}

func (h *HostHAL) Logger() Logger { return h.logger }
func (h *HostHAL) LED() LED       { return h.led }
func (h *HostHAL) GPIO() GPIO     { return h.gpio }
func (h *HostHAL) Time() Time     { return h.t }

// LEDOn reports the LED state.
func (h *HostHAL) LEDOn() bool {
	h.led.mu.Lock()
	defer h.led.mu.Unlock()
	return h.led.on
}

type hostLogger struct {
	log *zap.Logger
}

func (l *hostLogger) WriteLineString(s string) {
	l.log.Info(s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.log.Info(string(b))
}

type hostLED struct {
	mu     sync.Mutex
	on     bool
	logger *hostLogger
}

func (l *hostLED) High() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on = true
	l.logger.log.Debug("led", zap.Bool("on", true))
}

func (l *hostLED) Low() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on = false
	l.logger.log.Debug("led", zap.Bool("on", false))
}
