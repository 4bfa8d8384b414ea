package app

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"sparkrt/sparkos/kernel"
)

// panicLineWidth wraps panic output for narrow serial consoles.
const panicLineWidth = 100

// panicHandler writes the panic report to the HAL logger line by line and
// lights the LED.
func (s *System) panicHandler(info kernel.PanicInfo) {
	l := s.h.Logger()
	lines := []string{
		"Spark Panic:",
		fmt.Sprintf("task: %s (#%d)", info.Task, info.Number),
		fmt.Sprintf("panic: %v", info.Value),
	}
	if len(info.Stack) > 0 {
		lines = append(lines, "stack:")
		for _, line := range strings.Split(string(info.Stack), "\n") {
			if line == "" {
				continue
			}
			lines = append(lines, line)
		}
	} else {
		lines = append(lines, "stack: unavailable")
	}

	for _, line := range lines {
		for len(line) > 0 {
			chunk, rest := takeRunes(line, panicLineWidth)
			l.WriteLineString(chunk)
			line = strings.TrimLeft(rest, " ")
		}
	}
	if led := s.h.LED(); led != nil {
		led.High()
	}
}

func takeRunes(s string, n int) (prefix, rest string) {
	if n <= 0 || s == "" {
		return "", s
	}
	if len(s) <= n {
		return s, ""
	}
	var i, count int
	for i < len(s) && count < n {
		_, size := utf8.DecodeRuneInString(s[i:])
		if size <= 0 {
			break
		}
		i += size
		count++
	}
	if i >= len(s) {
		return s, ""
	}
	return s[:i], s[i:]
}
