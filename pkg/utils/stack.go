package utils

import (
	"runtime"
)

// Stacks returns a dump of all goroutine stacks. Used for diagnostics
// when a task does not react to cancellation.
func Stacks() string {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
	}
}
