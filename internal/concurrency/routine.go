package concurrency

import (
	"log/slog"
	"runtime/debug"
)

// SafeGo runs a function in a goroutine with panic recovery.
func SafeGo(fn func(), onPanic func(interface{})) {
	go func() {
		defer Recover(onPanic)
		fn()
	}()
}

// Recover logs a panic with its stack and hands the value to onPanic.
// It must be deferred directly.
func Recover(onPanic func(interface{})) {
	if r := recover(); r != nil {
		slog.Error("Panic recovered", "panic", r, "stack", string(debug.Stack()))
		if onPanic != nil {
			onPanic(r)
		}
	}
}
