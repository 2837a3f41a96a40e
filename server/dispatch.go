package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"runtime"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/cout/romp/middleware"
	"github.com/cout/romp/protocol"
	"github.com/cout/romp/session"
	"github.com/cout/romp/value"
)

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sess := session.New(conn)
	for {
		msgType, objID, payload, err := sess.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("session ended", zap.Error(err))
			}
			return
		}
		if fatal := s.dispatch(sess, msgType, objID, payload); fatal {
			return
		}
	}
}

// dispatch handles one frame. It returns true when the session must be
// torn down: a protocol violation, or an I/O failure while replying.
func (s *Server) dispatch(sess *session.Session, msgType protocol.MsgType, objID uint16, payload []byte) bool {
	switch msgType {
	case protocol.Sync:
		if objID == protocol.SyncRequestObjID {
			if err := sess.WriteFrame(protocol.Sync, protocol.SyncResponseObjID, nil); err != nil {
				return true
			}
		}
		// objID == 1 (or anything else): a stray reply, ignored per spec.md §4.5.
		return false
	case protocol.Request, protocol.RequestBlock, protocol.Oneway, protocol.OnewaySync:
		return s.dispatchCall(sess, msgType, objID, payload)
	default:
		s.log.Error("protocol violation: unknown msg_type", zap.String("msg_type", msgType.String()))
		return true
	}
}

func (s *Server) dispatchCall(sess *session.Session, msgType protocol.MsgType, objID uint16, payload []byte) bool {
	oneway := msgType == protocol.Oneway || msgType == protocol.OnewaySync

	if msgType == protocol.OnewaySync {
		if err := sess.WriteFrame(protocol.NullMsg, 0, nil); err != nil {
			return true
		}
	}

	method, args, err := value.DecodeCall(s.codec, payload)
	if err != nil {
		if oneway {
			s.logOnewayError(err)
			return false
		}
		return s.replyError(sess, fmt.Errorf("codec: %w", err))
	}

	var yield YieldFunc
	if msgType == protocol.RequestBlock {
		yield = func(v interface{}) error {
			data, err := s.codec.EncodeValue(v)
			if err != nil {
				return err
			}
			return sess.WriteFrame(protocol.Yield, 0, data)
		}
	}

	res := s.handler(context.Background(), &middleware.Invocation{
		ObjectID: objID,
		Method:   method,
		Args:     args,
		Yield:    yield,
	})
	if oneway {
		if res.Err != nil {
			s.logOnewayError(res.Err)
		}
		return false
	}
	if res.Err != nil {
		return s.replyError(sess, res.Err)
	}
	return s.replyValue(sess, res.Value)
}

func (s *Server) logOnewayError(err error) {
	if s.debug {
		s.log.Info("oneway call raised an error (discarded)", zap.Error(err))
	}
}

// callMethod intercepts the three magic protocol methods ahead of generic
// reflective dispatch, then invokes the target's exported Go method whose
// capitalized name matches method.
func (s *Server) callMethod(obj interface{}, method string, args []interface{}, yield YieldFunc) (result interface{}, err error) {
	switch method {
	case "__release__":
		s.registry.Unregister(obj)
		return nil, nil
	case "__respond_to__":
		if len(args) != 1 {
			return nil, &AppError{Class: "ArgumentError", Msg: "__respond_to__ expects exactly one argument"}
		}
		name, _ := args[0].(string)
		return exportedMethod(obj, name).IsValid(), nil
	case "__methods__":
		return exportedMethodNames(obj), nil
	default:
		return s.invoke(obj, method, args, yield)
	}
}

func (s *Server) invoke(obj interface{}, methodName string, args []interface{}, yield YieldFunc) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &value.Exception{
				Class:     "PanicError",
				Message:   fmt.Sprint(r),
				Backtrace: trimmedStack(),
			}
		}
	}()

	m := exportedMethod(obj, methodName)
	if !m.IsValid() {
		return nil, &NoSuchMethodError{Method: methodName}
	}

	mt := m.Type()
	numIn := mt.NumIn()
	wantsYield := numIn > 0 && mt.In(numIn-1) == reflect.TypeOf(YieldFunc(nil))
	expected := numIn
	if wantsYield {
		expected--
	}
	if len(args) != expected {
		return nil, &AppError{
			Class: "ArgumentError",
			Msg:   fmt.Sprintf("%s expects %d argument(s), got %d", methodName, expected, len(args)),
		}
	}

	in := make([]reflect.Value, 0, numIn)
	for i := 0; i < expected; i++ {
		argVal, convErr := convertArg(args[i], mt.In(i))
		if convErr != nil {
			return nil, &AppError{Class: "ArgumentError", Msg: convErr.Error()}
		}
		in = append(in, argVal)
	}
	if wantsYield {
		y := yield
		if y == nil {
			y = func(interface{}) error { return nil }
		}
		in = append(in, reflect.ValueOf(y))
	}

	out := m.Call(in)
	return unpackResults(out)
}

// exportedMethod resolves a wire method name (snake_case, e.g. "set_i") to
// the target's exported Go method (CamelCase, e.g. SetI).
func exportedMethod(obj interface{}, name string) reflect.Value {
	if name == "" {
		return reflect.Value{}
	}
	return reflect.ValueOf(obj).MethodByName(wireToGoMethodName(name))
}

func exportedMethodNames(obj interface{}) []string {
	t := reflect.TypeOf(obj)
	names := make([]string, 0, t.NumMethod())
	for i := 0; i < t.NumMethod(); i++ {
		names = append(names, goToWireMethodName(t.Method(i).Name))
	}
	return names
}

func wireToGoMethodName(name string) string {
	var b strings.Builder
	for _, part := range strings.Split(name, "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

func goToWireMethodName(name string) string {
	var b strings.Builder
	for i, r := range name {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

func convertArg(v interface{}, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if rv.Type().ConvertibleTo(t) {
		return rv.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("server: cannot use %T as %s", v, t)
}

func unpackResults(out []reflect.Value) (interface{}, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if errVal, ok := out[0].Interface().(error); ok {
			return nil, errVal
		}
		return out[0].Interface(), nil
	case 2:
		var err error
		if !out[1].IsNil() {
			err, _ = out[1].Interface().(error)
		}
		return out[0].Interface(), err
	default:
		return nil, fmt.Errorf("server: method has too many return values")
	}
}

// shapeReturnValue implements the "Return-value shaping" rule of spec.md
// §4.5: a result that is itself a registered object is replaced with an
// ObjectReference so the client gets a proxy, not a by-value copy.
func (s *Server) shapeReturnValue(v interface{}) interface{} {
	switch ref := v.(type) {
	case value.ObjectReference:
		// The msgpack extension is registered on *ObjectReference.
		return &ref
	case nil, *value.ObjectReference, *value.Exception:
		return v
	}
	if !reflect.ValueOf(v).Comparable() {
		// Slices, maps and the like cannot be registry keys.
		return v
	}
	if id, ok := s.registry.IDOf(v); ok {
		return &value.ObjectReference{ObjectID: id}
	}
	return v
}

func (s *Server) replyValue(sess *session.Session, v interface{}) bool {
	data, err := s.codec.EncodeValue(s.shapeReturnValue(v))
	if err != nil {
		return s.replyError(sess, fmt.Errorf("codec: %w", err))
	}
	return sess.WriteFrame(protocol.Retval, 0, data) != nil
}

func (s *Server) replyError(sess *session.Session, err error) bool {
	exc := toException(err)
	data, encErr := s.codec.EncodeValue(exc)
	if encErr != nil {
		data, _ = s.codec.EncodeValue(&value.Exception{
			Class:   "CodecError",
			Message: "failed to encode exception: " + encErr.Error(),
		})
	}
	return sess.WriteFrame(protocol.Exception, 0, data) != nil
}

func toException(err error) *value.Exception {
	switch e := err.(type) {
	case *value.Exception:
		if e.Backtrace == nil {
			e.Backtrace = trimmedStack()
		}
		return e
	case *NoSuchObjectError:
		return &value.Exception{Class: "NoSuchObjectError", Message: e.Error()}
	case *NoSuchMethodError:
		return &value.Exception{Class: "NoSuchMethodError", Message: e.Error()}
	case *AppError:
		return &value.Exception{Class: e.Class, Message: e.Msg}
	default:
		return &value.Exception{Class: "AppError", Message: err.Error()}
	}
}

// trimmedStack captures the current goroutine's stack, stripping the
// dispatch-frame suffix (this package's own frames) so the client only
// sees server-side application frames, per spec.md §4.5.
func trimmedStack() []string {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var out []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, "romp/server.") {
			out = append(out, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return out
}
