// Package hal is the boundary between the kernel demo and the host: a line
// logger, an LED, GPIO pins and a tick source.
package hal

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

// LED is a minimal output pin abstraction.
type LED interface {
	High()
	Low()
}

// Time provides a base tick stream. Each value is the running tick number.
type Time interface {
	Ticks() <-chan uint64
}

// HAL provides the only contact point between the kernel and the outside
// world.
type HAL interface {
	Logger() Logger
	LED() LED
	GPIO() GPIO
	Time() Time
}
