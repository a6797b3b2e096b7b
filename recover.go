package stateflow

import (
	"fmt"
	"runtime"
	"strings"
)

// CapturePanic runs fn and converts a panic into a logic-fault error carrying
// the panic value and a cleaned stack. A plain error from fn passes through
// untouched.
func CapturePanic(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 8096)
			n := runtime.Stack(buf, false)
			err = CloneError(ErrLogic, fmt.Sprintf("recovered from panic: %v", r), nil, map[string]any{
				"panic": fmt.Sprintf("%v", r),
				"stack": string(cleanStack(buf[:n])),
			})
		}
	}()
	return fn()
}

// cleanStack drops everything up to and including the runtime panic frames so
// the trace starts at the faulting call site.
func cleanStack(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			if i+2 < len(lines) {
				return []byte(strings.Join(lines[i+2:], "\n"))
			}
			break
		}
	}
	return stack
}
