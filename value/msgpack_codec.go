package value

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Extension type ids for the two values the codec must recognize without
// help from the caller (spec.md §4.3).
const (
	extObjectReference int8 = 1
	extException       int8 = 2
)

func init() {
	msgpack.RegisterExt(extObjectReference, (*ObjectReference)(nil))
	msgpack.RegisterExt(extException, (*Exception)(nil))
}

// MsgpackCodec is the default wire codec: a compact, self-describing binary
// format (github.com/vmihailenco/msgpack/v5) with ObjectReference and
// *Exception registered as extension types, so a generic decode into
// interface{} yields those concrete Go types back rather than plain maps.
type MsgpackCodec struct{}

func (MsgpackCodec) EncodeValue(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgpackCodec) DecodeValue(data []byte) (interface{}, error) {
	var v interface{}
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// MarshalMsgpack encodes the extension payload: just the 2-byte object id.
func (o *ObjectReference) MarshalMsgpack() ([]byte, error) {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, o.ObjectID)
	return b, nil
}

func (o *ObjectReference) UnmarshalMsgpack(b []byte) error {
	if len(b) != 2 {
		return fmt.Errorf("value: object reference payload must be 2 bytes, got %d", len(b))
	}
	o.ObjectID = binary.BigEndian.Uint16(b)
	return nil
}

type exceptionWire struct {
	Class     string   `msgpack:"class"`
	Message   string   `msgpack:"message"`
	Backtrace []string `msgpack:"backtrace"`
}

func (e *Exception) MarshalMsgpack() ([]byte, error) {
	return msgpack.Marshal(exceptionWire{
		Class:     e.Class,
		Message:   e.Message,
		Backtrace: e.Backtrace,
	})
}

func (e *Exception) UnmarshalMsgpack(b []byte) error {
	var w exceptionWire
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return err
	}
	e.Class, e.Message, e.Backtrace = w.Class, w.Message, w.Backtrace
	return nil
}
