// Package config loads the YAML configuration of a sparkrt system.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"sparkrt/sparkos/kernel"
	timersvc "sparkrt/sparkos/services/timer"
)

// File is the top-level configuration document.
type File struct {
	Kernel  KernelConfig  `yaml:"kernel"`
	Timers  TimersConfig  `yaml:"timers"`
	Demo    DemoConfig    `yaml:"demo"`
	Logging LoggingConfig `yaml:"logging"`
}

// KernelConfig mirrors kernel.Config's constants and feature toggles.
type KernelConfig struct {
	TickRateHz        uint32 `yaml:"tick_rate_hz"`
	MaxPriorities     int    `yaml:"max_priorities"`
	MinimalStackSize  uint32 `yaml:"minimal_stack_size"` // words
	TotalHeapSize     uint32 `yaml:"total_heap_size"`    // bytes
	MaxTaskNameLen    int    `yaml:"max_task_name_len"`
	NotificationSlots int    `yaml:"notification_slots"`

	UsePreemption            bool `yaml:"use_preemption"`
	UseTimeSlicing           bool `yaml:"use_time_slicing"`
	UseMutexes               bool `yaml:"use_mutexes"`
	UseRecursiveMutexes      bool `yaml:"use_recursive_mutexes"`
	UseTaskNotifications     bool `yaml:"use_task_notifications"`
	UseTimers                bool `yaml:"use_timers"`
	SupportStaticAllocation  bool `yaml:"support_static_allocation"`
	SupportDynamicAllocation bool `yaml:"support_dynamic_allocation"`

	// VirtualTime lets the idle task advance the tick. Turned off when the
	// host clock drives the tick.
	VirtualTime bool `yaml:"virtual_time"`
}

// TimersConfig configures the timer service.
type TimersConfig struct {
	Priority     int    `yaml:"priority"` // 0 selects the highest priority
	QueueLength  int    `yaml:"queue_length"`
	StackDepth   uint32 `yaml:"stack_depth"`
	MaxTimers    int    `yaml:"max_timers"`
	ChangePeriod string `yaml:"change_period"` // preserve-anchor, restart-from-now
}

// DemoConfig shapes the demo system built by the app package.
type DemoConfig struct {
	Sensors           int    `yaml:"sensors"`
	SamplePeriod      uint32 `yaml:"sample_period_ticks"`
	SubscriberDepth   int    `yaml:"subscriber_depth"`
	HeartbeatPeriod   uint32 `yaml:"heartbeat_period_ticks"`
	ReportPeriod      uint32 `yaml:"report_period_ticks"`
	ComputeIterations int    `yaml:"compute_iterations"`

	// RunTicks halts the system after this many ticks. Zero runs until the
	// caller cancels.
	RunTicks uint32 `yaml:"run_ticks"`
}

// LoggingConfig selects the zap preset.
type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *File {
	kc := kernel.DefaultConfig()
	return &File{
		Kernel: KernelConfig{
			TickRateHz:               kc.TickRateHz,
			MaxPriorities:            kc.MaxPriorities,
			MinimalStackSize:         kc.MinimalStackSize,
			TotalHeapSize:            kc.TotalHeapSize,
			MaxTaskNameLen:           kc.MaxTaskNameLen,
			NotificationSlots:        kc.NotificationSlots,
			UsePreemption:            kc.UsePreemption,
			UseTimeSlicing:           kc.UseTimeSlicing,
			UseMutexes:               kc.UseMutexes,
			UseRecursiveMutexes:      kc.UseRecursiveMutexes,
			UseTaskNotifications:     kc.UseTaskNotifications,
			UseTimers:                kc.UseTimers,
			SupportStaticAllocation:  kc.SupportStaticAllocation,
			SupportDynamicAllocation: kc.SupportDynamicAllocation,
			VirtualTime:              kc.VirtualTime,
		},
		Timers: TimersConfig{
			QueueLength:  10,
			MaxTimers:    16,
			ChangePeriod: timersvc.PreserveAnchor.String(),
		},
		Demo: DemoConfig{
			Sensors:           2,
			SamplePeriod:      10,
			SubscriberDepth:   8,
			HeartbeatPeriod:   50,
			ReportPeriod:      250,
			ComputeIterations: 1000,
			RunTicks:          1000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults. A missing file yields the
// defaults.
func Load(path string) (*File, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (f *File) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks every section.
func (f *File) Validate() error {
	kc := f.KernelConfig(nil)
	if err := kc.Validate(); err != nil {
		return err
	}
	if _, err := f.TimerConfig(nil); err != nil {
		return err
	}
	if _, err := ParseLevel(f.Logging.Level); err != nil {
		return err
	}

	d := f.Demo
	switch {
	case d.Sensors < 0:
		return fmt.Errorf("demo: sensors must not be negative")
	case d.SamplePeriod == 0:
		return fmt.Errorf("demo: sample period must be positive")
	case d.SubscriberDepth < 1:
		return fmt.Errorf("demo: subscriber depth must be positive")
	case d.HeartbeatPeriod == 0:
		return fmt.Errorf("demo: heartbeat period must be positive")
	case d.ReportPeriod == 0:
		return fmt.Errorf("demo: report period must be positive")
	case d.ComputeIterations < 0:
		return fmt.Errorf("demo: compute iterations must not be negative")
	}
	return nil
}

// KernelConfig converts the kernel section. Hooks and handlers are left for
// the caller.
func (f *File) KernelConfig(log *zap.Logger) kernel.Config {
	k := f.Kernel
	return kernel.Config{
		TickRateHz:                  k.TickRateHz,
		MaxPriorities:               k.MaxPriorities,
		MinimalStackSize:            k.MinimalStackSize,
		TotalHeapSize:               k.TotalHeapSize,
		MaxTaskNameLen:              k.MaxTaskNameLen,
		NotificationSlots:           k.NotificationSlots,
		MaxSyscallInterruptPriority: kernel.DefaultConfig().MaxSyscallInterruptPriority,
		UsePreemption:               k.UsePreemption,
		UseTimeSlicing:              k.UseTimeSlicing,
		UseMutexes:                  k.UseMutexes,
		UseRecursiveMutexes:         k.UseRecursiveMutexes,
		UseTaskNotifications:        k.UseTaskNotifications,
		UseTimers:                   k.UseTimers,
		SupportStaticAllocation:     k.SupportStaticAllocation,
		SupportDynamicAllocation:    k.SupportDynamicAllocation,
		VirtualTime:                 k.VirtualTime,
		Logger:                      log,
	}
}

// TimerConfig converts the timers section.
func (f *File) TimerConfig(log *zap.Logger) (timersvc.Config, error) {
	t := f.Timers
	policy, err := timersvc.ParseChangePeriodPolicy(t.ChangePeriod)
	if err != nil {
		return timersvc.Config{}, err
	}
	if t.Priority < 0 || t.Priority >= f.Kernel.MaxPriorities {
		return timersvc.Config{}, fmt.Errorf("timers: priority %d out of range [0, %d)", t.Priority, f.Kernel.MaxPriorities)
	}
	if t.QueueLength < 0 || t.MaxTimers < 0 {
		return timersvc.Config{}, fmt.Errorf("timers: queue length and max timers must not be negative")
	}
	return timersvc.Config{
		Priority:     kernel.Priority(t.Priority),
		QueueLength:  t.QueueLength,
		StackDepth:   t.StackDepth,
		MaxTimers:    t.MaxTimers,
		ChangePeriod: policy,
		Logger:       log,
	}, nil
}

// ParseLevel maps a level name to zap's level. Empty means info.
func ParseLevel(s string) (zap.AtomicLevel, error) {
	if strings.TrimSpace(s) == "" {
		return zap.NewAtomicLevelAt(zap.InfoLevel), nil
	}
	lvl, err := zap.ParseAtomicLevel(s)
	if err != nil {
		return lvl, fmt.Errorf("logging: %w", err)
	}
	return lvl, nil
}

// NewLogger builds a zap logger from the logging section. verbose forces
// debug level.
func (f *File) NewLogger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if f.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := ParseLevel(f.Logging.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		lvl = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zc.Level = lvl
	log, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}
