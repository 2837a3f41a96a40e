package client

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/cout/romp/value"
)

// RemoteError is the client-side re-raised form of a server exception. Its
// backtrace is the server's backtrace with the caller's own stack appended,
// so a trace crosses the wire naturally (spec.md §4.6).
type RemoteError struct {
	Class     string
	Message   string
	Backtrace []string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("%s: %s", e.Class, e.Message) }

func newRemoteError(exc *value.Exception) *RemoteError {
	bt := make([]string, 0, len(exc.Backtrace)+8)
	bt = append(bt, exc.Backtrace...)
	bt = append(bt, callerStack()...)
	return &RemoteError{Class: exc.Class, Message: exc.Message, Backtrace: bt}
}

// NoSuchMethodError is raised locally, without a round trip, for a
// forbidden method name (spec.md §4.6, "Capability queries").
type NoSuchMethodError struct {
	Method string
}

func (e *NoSuchMethodError) Error() string { return fmt.Sprintf("client: no such method %q", e.Method) }

func callerStack() []string {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var out []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, "romp/client.") {
			out = append(out, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return out
}
