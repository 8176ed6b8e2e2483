package runtime

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// infoFromError builds the failure detail stored on the task record.
// Panics carry the handler goroutine's stack with the frame that panicked
// resolved to file and line; plain errors record message and dynamic type.
func infoFromError(err error) errInfo {
	if pe, ok := err.(*panicError); ok {
		info := errInfo{
			Message: fmt.Sprintf("%v", pe.val),
			Type:    "HandlerPanic",
			Trace:   string(pe.stack),
		}
		info.File, info.Line = firstFrame(pe.stack)
		return info
	}
	return errInfo{
		Message: err.Error(),
		Type:    strings.TrimPrefix(fmt.Sprintf("%T", err), "*"),
	}
}

// firstFrame extracts the first "file.go:line" location that follows the
// runtime's panic( frame in a stack trace, or the first location of the
// whole trace when no panic frame is present.
func firstFrame(stack []byte) (string, int) {
	lines := bytes.Split(stack, []byte("\n"))
	for i, line := range lines {
		if bytes.HasPrefix(line, []byte("panic(")) {
			lines = lines[i+1:]
			break
		}
	}
	for _, line := range lines {
		trimmed := strings.TrimSpace(string(line))
		if !strings.HasPrefix(trimmed, "/") && !strings.Contains(trimmed, ".go:") {
			continue
		}
		if idx := strings.LastIndex(trimmed, ".go:"); idx >= 0 {
			file := trimmed[:idx+3]
			rest := trimmed[idx+4:]
			if sp := strings.IndexAny(rest, " \t"); sp >= 0 {
				rest = rest[:sp]
			}
			if n, err := strconv.Atoi(rest); err == nil {
				return file, n
			}
		}
	}
	return "", 0
}
