//go:build !tinygo

package kernel

import "runtime"

// stackLimit bounds the trace kept in PanicInfo.
const stackLimit = 8 << 10

func captureStack() []byte {
	buf := make([]byte, stackLimit)
	return buf[:runtime.Stack(buf, false)]
}
