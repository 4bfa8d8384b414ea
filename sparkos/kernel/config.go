package kernel

import (
	"fmt"

	"go.uber.org/zap"
)

// Config holds the kernel's build-time constants and feature toggles.
type Config struct {
	TickRateHz       uint32
	MaxPriorities    int
	MinimalStackSize uint32 // words
	TotalHeapSize    uint32 // bytes available to dynamic allocation
	MaxTaskNameLen   int

	NotificationSlots           int
	MaxSyscallInterruptPriority uint32

	UsePreemption            bool
	UseTimeSlicing           bool
	UseMutexes               bool
	UseRecursiveMutexes      bool
	UseTaskNotifications     bool
	UseTimers                bool
	SupportStaticAllocation  bool
	SupportDynamicAllocation bool

	// VirtualTime advances the tick from the idle task instead of waiting for
	// an external tick source.
	VirtualTime bool

	Logger *zap.Logger

	// AssertHandler is called on protocol violations and invariant failures.
	// The default logs and panics, which halts the kernel.
	AssertHandler func(Assertion)

	// PanicHandler is called at most once, for the first task panic.
	PanicHandler func(PanicInfo)

	// IdleHook runs on the idle task every time it loops.
	IdleHook func()

	// TickHook runs inside the tick interrupt.
	TickHook func(isr *ISR)
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		TickRateHz:                  1000,
		MaxPriorities:               5,
		MinimalStackSize:            128,
		TotalHeapSize:               64 * 1024,
		MaxTaskNameLen:              16,
		NotificationSlots:           1,
		MaxSyscallInterruptPriority: 4,
		UsePreemption:               true,
		UseTimeSlicing:              true,
		UseMutexes:                  true,
		UseRecursiveMutexes:         true,
		UseTaskNotifications:        true,
		UseTimers:                   true,
		SupportStaticAllocation:     true,
		SupportDynamicAllocation:    true,
		VirtualTime:                 true,
	}
}

// Validate checks the configuration. New calls it.
func (c *Config) Validate() error {
	if c.TickRateHz == 0 {
		return fmt.Errorf("kernel: tick rate must be positive")
	}
	if c.MaxPriorities < 2 || c.MaxPriorities > 32 {
		return fmt.Errorf("kernel: max priorities %d out of range [2, 32]", c.MaxPriorities)
	}
	if c.MaxTaskNameLen < 1 {
		return fmt.Errorf("kernel: max task name length must be positive")
	}
	if c.NotificationSlots < 1 {
		return fmt.Errorf("kernel: notification slots must be positive")
	}
	if c.MinimalStackSize == 0 {
		return fmt.Errorf("kernel: minimal stack size must be positive")
	}
	return nil
}
