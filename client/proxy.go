package client

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cout/romp/protocol"
	"github.com/cout/romp/session"
	"github.com/cout/romp/value"
)

// forbiddenMethods have intrinsic local semantics that would be misleading
// if forwarded to the server (spec.md §4.6, "Method-name filtering").
var forbiddenMethods = map[string]bool{"clone": true, "dup": true, "display": true}

// forcedPassthrough methods look like they could have a useful local
// default, but must still reflect server-side state, so they're never
// special-cased — listed here only for documentation purposes.
var forcedPassthrough = map[string]bool{"inspect": true, "string": true, "array": true, "variables": true}

func isForbidden(method string) bool { return forbiddenMethods[strings.ToLower(method)] }

// Proxy is bound to (session, mutex, object_id); it is immutable after
// construction and safe to share across goroutines that serialize through
// mu (spec.md §4.6, "Proxy state").
type Proxy struct {
	sess     *session.Session
	mu       sync.Locker
	codec    value.Codec
	objectID uint16
}

// ObjectID returns the remote object id this proxy is bound to.
func (p *Proxy) ObjectID() uint16 { return p.objectID }

// Call sends a REQUEST frame and waits for its terminating reply.
func (p *Proxy) Call(method string, args ...interface{}) (interface{}, error) {
	return p.roundTrip(protocol.Request, method, args, nil)
}

// CallBlock sends a REQUEST_BLOCK frame, invoking yield for every YIELD
// frame the server emits before the terminating reply.
func (p *Proxy) CallBlock(yield func(interface{}) error, method string, args ...interface{}) (interface{}, error) {
	return p.roundTrip(protocol.RequestBlock, method, args, yield)
}

func (p *Proxy) roundTrip(msgType protocol.MsgType, method string, args []interface{}, yield func(interface{}) error) (interface{}, error) {
	if isForbidden(method) {
		return nil, &NoSuchMethodError{Method: method}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := value.EncodeCall(p.codec, method, args)
	if err != nil {
		return nil, err
	}
	if err := p.sess.WriteFrame(msgType, p.objectID, data); err != nil {
		return nil, err
	}
	return p.waitReply(yield)
}

// waitReply drives the reply state machine of spec.md §4.6 step 3: it
// consumes any number of YIELD frames and mid-call SYNC requests before the
// terminating RETVAL/EXCEPTION.
func (p *Proxy) waitReply(yield func(interface{}) error) (interface{}, error) {
	for {
		mt, objID, payload, err := p.sess.ReadFrame()
		if err != nil {
			return nil, err
		}
		switch mt {
		case protocol.Retval:
			v, err := p.codec.DecodeValue(payload)
			if err != nil {
				return nil, err
			}
			return p.postProcess(v), nil
		case protocol.Exception:
			v, err := p.codec.DecodeValue(payload)
			if err != nil {
				return nil, err
			}
			exc, ok := v.(*value.Exception)
			if !ok {
				exc = &value.Exception{Class: "RemoteError", Message: fmt.Sprint(v)}
			}
			return nil, newRemoteError(exc)
		case protocol.Yield:
			v, err := p.codec.DecodeValue(payload)
			if err != nil {
				return nil, err
			}
			if yield != nil {
				if err := yield(p.postProcess(v)); err != nil {
					return nil, err
				}
			}
		case protocol.Sync:
			if objID == protocol.SyncRequestObjID {
				if err := p.sess.WriteFrame(protocol.Sync, protocol.SyncResponseObjID, nil); err != nil {
					return nil, err
				}
			}
		default:
			return nil, &protocol.ProtocolError{Msg: fmt.Sprintf("unexpected %s frame while waiting for a reply", mt)}
		}
	}
}

// postProcess rewrites a returned ObjectReference into a proxy bound to
// this same session and mutex (spec.md §4.6, "Payload post-processing").
func (p *Proxy) postProcess(v interface{}) interface{} {
	switch ref := v.(type) {
	case value.ObjectReference:
		return &Proxy{sess: p.sess, mu: p.mu, codec: p.codec, objectID: ref.ObjectID}
	case *value.ObjectReference:
		return &Proxy{sess: p.sess, mu: p.mu, codec: p.codec, objectID: ref.ObjectID}
	default:
		return v
	}
}

// Oneway sends one ONEWAY frame and does not wait for a reply.
func (p *Proxy) Oneway(method string, args ...interface{}) error {
	if isForbidden(method) {
		return &NoSuchMethodError{Method: method}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := value.EncodeCall(p.codec, method, args)
	if err != nil {
		return err
	}
	return p.sess.WriteFrame(protocol.Oneway, p.objectID, data)
}

// OnewaySync sends one ONEWAY_SYNC frame and waits for exactly one
// NULL_MSG acknowledgement before returning.
func (p *Proxy) OnewaySync(method string, args ...interface{}) error {
	if isForbidden(method) {
		return &NoSuchMethodError{Method: method}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := value.EncodeCall(p.codec, method, args)
	if err != nil {
		return err
	}
	if err := p.sess.WriteFrame(protocol.OnewaySync, p.objectID, data); err != nil {
		return err
	}
	mt, _, _, err := p.sess.ReadFrame()
	if err != nil {
		return err
	}
	if mt != protocol.NullMsg {
		return &protocol.ProtocolError{Msg: fmt.Sprintf("expected NULL_MSG ack, got %s", mt)}
	}
	return nil
}

// Sync sends one SYNC/0 request and waits for a SYNC/1 reply.
func (p *Proxy) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.sess.WriteFrame(protocol.Sync, protocol.SyncRequestObjID, nil); err != nil {
		return err
	}
	return p.waitSync()
}

// waitSync mirrors the reference implementation's check verbatim (Open
// Question (b)): it reads exactly one frame, not a loop that discards
// strays, and only raises when all three conditions hold — which in
// practice is nearly unreachable, so synchronization failures are almost
// never actually detected this way.
func (p *Proxy) waitSync() error {
	mt, objID, payload, err := p.sess.ReadFrame()
	if err != nil {
		return err
	}
	var v interface{}
	if len(payload) > 0 {
		v, _ = p.codec.DecodeValue(payload)
	}
	if mt != protocol.Sync && objID != protocol.SyncResponseObjID && v != nil {
		return &protocol.ProtocolError{Msg: "romp synchronization failed"}
	}
	return nil
}

// Release tells the server to unregister the remote object. Its id is
// never reused (spec.md §4.4).
func (p *Proxy) Release() error {
	_, err := p.Call("__release__")
	return err
}

// RespondTo reports whether the remote object answers to name.
// Short-circuits locally without a round trip for forbidden names.
func (p *Proxy) RespondTo(name string) (bool, error) {
	if isForbidden(name) {
		return false, nil
	}
	v, err := p.Call("__respond_to__", name)
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}

// Methods lists the remote object's callable method names, with forbidden
// names scrubbed from the server's answer (spec.md §4.6, "Method-list
// scrubbing").
func (p *Proxy) Methods() ([]string, error) {
	v, err := p.Call("__methods__")
	if err != nil {
		return nil, err
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("client: __methods__ returned %T, want a list", v)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		name, ok := item.(string)
		if !ok || name == "" || isForbidden(name) {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}
