package billing

import (
	"fmt"
	"runtime/debug"
)

// SafeGo launches fn in a goroutine. A panic is logged with its stack trace
// instead of crashing the process.
func SafeGo(log Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("goroutine panicked",
					F("goroutine", name),
					F("panic", fmt.Sprintf("%v", r)),
					F("stack", string(debug.Stack())),
				)
			}
		}()
		fn()
	}()
}
