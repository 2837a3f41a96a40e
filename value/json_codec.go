package value

import "encoding/json"

// JSONCodec uses the standard library encoding/json. It exists for
// debugging and inspection tooling, not cross-language interoperability
// (spec.md Non-goals) — JSON has no extension-type mechanism, so
// ObjectReference and *Exception are tagged with a "$romp" discriminator
// field and revived by walking the decoded value tree by hand.
type JSONCodec struct{}

func (JSONCodec) EncodeValue(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) DecodeValue(data []byte) (interface{}, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return reviveJSON(raw), nil
}

func reviveJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		switch t["$romp"] {
		case "object_reference":
			id, _ := t["object_id"].(float64)
			return ObjectReference{ObjectID: uint16(id)}
		case "exception":
			class, _ := t["class"].(string)
			msg, _ := t["message"].(string)
			var backtrace []string
			if arr, ok := t["backtrace"].([]interface{}); ok {
				for _, e := range arr {
					if s, ok := e.(string); ok {
						backtrace = append(backtrace, s)
					}
				}
			}
			return &Exception{Class: class, Message: msg, Backtrace: backtrace}
		default:
			out := make(map[string]interface{}, len(t))
			for k, vv := range t {
				out[k] = reviveJSON(vv)
			}
			return out
		}
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = reviveJSON(vv)
		}
		return out
	default:
		return v
	}
}

func (o ObjectReference) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string `json:"$romp"`
		ObjectID uint16 `json:"object_id"`
	}{"object_reference", o.ObjectID})
}

func (e *Exception) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string   `json:"$romp"`
		Class     string   `json:"class"`
		Message   string   `json:"message"`
		Backtrace []string `json:"backtrace"`
	}{"exception", e.Class, e.Message, e.Backtrace})
}
