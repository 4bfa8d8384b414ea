package kernel

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// Assertion describes a failed kernel check.
type Assertion struct {
	Expr string
	File string
	Line int

	// Err is the error the failing operation returns when the handler does
	// not panic.
	Err error
}

func (a Assertion) Error() string {
	return fmt.Sprintf("%s:%d: %v", a.File, a.Line, a.Err)
}

func panicOnAssert(a Assertion) { panic(a) }

// assertf reports a failed check of the given kind from the caller's caller
// and returns the wrapped error.
func (k *Kernel) assertf(kind error, format string, args ...any) error {
	return k.assertAt(1, kind, fmt.Sprintf(format, args...))
}

func (k *Kernel) assertAt(skip int, kind error, expr string) error {
	a := Assertion{Expr: expr, Err: fmt.Errorf("%w: %s", kind, expr)}
	if _, file, line, ok := runtime.Caller(skip + 1); ok {
		a.File, a.Line = file, line
	}
	k.log.Error("assertion failed",
		zap.String("expr", a.Expr),
		zap.String("file", a.File),
		zap.Int("line", a.Line),
		zap.Error(kind))
	k.assertHandler(a)
	return a.Err
}

// Violation reports API misuse detected by code layered on the kernel, such
// as a service validating its arguments. It returns an error wrapping
// ErrProtocolViolation.
func (k *Kernel) Violation(format string, args ...any) error {
	return k.assertAt(1, ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// FeatureDisabled reports use of a service whose feature toggle is off. It
// returns an error wrapping ErrFeatureDisabled.
func (k *Kernel) FeatureDisabled(feature string) error {
	return k.assertAt(1, ErrFeatureDisabled, feature+" disabled by configuration")
}
