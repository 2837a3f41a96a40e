// Package value implements the codec layer described in spec.md §4.3: a
// bijection between a bounded value domain (nil, bools, integers, strings,
// byte strings, arrays, maps, remote object references, and application
// exceptions) and a byte string, plus the `[method, arg1, ...]` call
// envelope convention layered on top of it.
package value

import (
	"fmt"
	"runtime"
	"strings"
)

// ObjectReference is the distinguished wire value the server emits in place
// of any registered object it returns: on receipt the client rewrites it
// into a proxy bound to the same session (spec.md §2, §4.6).
type ObjectReference struct {
	ObjectID uint16
}

// Exception is the application-defined error value carried by an EXCEPTION
// frame: a class name, a message, and a backtrace the client concatenates
// with its own caller stack when re-raising (spec.md §4.5, §4.6).
type Exception struct {
	Class     string
	Message   string
	Backtrace []string
}

func (e *Exception) Error() string {
	if e.Message == "" {
		return e.Class
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// NewException builds an Exception with its Backtrace captured immediately,
// at the raise site. Reflection-based dispatch (server/dispatch.go's
// invoke) can only recover a stack trace for a panic — once an application
// method returns normally, its frames are already unwound and unreachable
// from the dispatch loop. Capturing here instead, the moment the exception
// value comes into existence, is the Go analog of the reference server's
// automatic per-raise backtrace (original_source/romp_helper.c's
// server_exception, invoked for every escaping exception, not just
// unexpected ones). Application code should build exceptions with this
// rather than the struct literal whenever the exception is meant to carry
// a caller-side backtrace.
func NewException(class, message string) *Exception {
	return &Exception{Class: class, Message: message, Backtrace: captureStack()}
}

// captureStack walks the calling goroutine's stack, dropping this
// package's own frame and any reflect internals, and stopping at the first
// server dispatch frame, so only the application's call chain remains.
func captureStack() []string {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var out []string
	for {
		frame, more := frames.Next()
		if strings.Contains(frame.Function, "romp/server.(*Server).") {
			break
		}
		if !strings.Contains(frame.Function, "romp/value.") && !strings.Contains(frame.Function, "reflect.") {
			out = append(out, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return out
}

// Codec is a value-graph serializer. Implementations must round-trip every
// value in the domain above and must be able to recognize an
// ObjectReference or *Exception after a generic (untyped) decode, not just
// when the caller already knows the expected shape.
type Codec interface {
	EncodeValue(v interface{}) ([]byte, error)
	DecodeValue(data []byte) (interface{}, error)
}

// Name selects a Codec implementation.
type Name string

const (
	Msgpack Name = "msgpack"
	JSON    Name = "json"
)

// Get returns the Codec for name. Unknown names fall back to Msgpack, the
// default wire codec; JSON exists for debugging and cross-inspection, not
// for interoperability (spec.md Non-goals).
func Get(name Name) Codec {
	if name == JSON {
		return JSONCodec{}
	}
	return MsgpackCodec{}
}

// EncodeCall serializes the `[method, arg1, ...]` envelope used by every
// REQUEST/REQUEST_BLOCK/ONEWAY/ONEWAY_SYNC payload.
func EncodeCall(c Codec, method string, args []interface{}) ([]byte, error) {
	call := make([]interface{}, 0, len(args)+1)
	call = append(call, method)
	call = append(call, args...)
	return c.EncodeValue(call)
}

// DecodeCall parses a call envelope back into a method name and argument
// list.
func DecodeCall(c Codec, data []byte) (string, []interface{}, error) {
	v, err := c.DecodeValue(data)
	if err != nil {
		return "", nil, err
	}
	arr, ok := v.([]interface{})
	if !ok || len(arr) == 0 {
		return "", nil, fmt.Errorf("value: call payload is not a non-empty array")
	}
	method, ok := arr[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("value: call method is not a string, got %T", arr[0])
	}
	return method, arr[1:], nil
}
