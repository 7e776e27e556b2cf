// Package async spawns background goroutines that survive panics.
package async

import (
	"fmt"
	"runtime/debug"
)

// PanicLogger is the minimal logging surface needed to report a recovered
// panic.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on a new goroutine and logs a recovered panic instead of
// crashing the process. name identifies the goroutine in the panic log.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs a recovered panic with a stack trace. Intended for use in a
// defer at the top of a goroutine.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil {
		return
	}
	msg := fmt.Sprintf("goroutine panic [%s]: %v\n%s", name, r, debug.Stack())
	if logger == nil {
		fmt.Println(msg)
		return
	}
	logger.Error("%s", msg)
}
