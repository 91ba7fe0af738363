package fetcher

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decp-sync/internal/record"
)

// Object is a decoded document node that keeps its keys in document order.
// Values are string, json.Number, bool, nil, *Object or []any.
type Object struct {
	keys []string
	vals map[string]any
}

// NewObject returns an empty object.
func NewObject() *Object {
	return &Object{vals: make(map[string]any)}
}

// Keys returns the keys in order.
func (o *Object) Keys() []string {
	return o.keys
}

// Len returns the number of keys.
func (o *Object) Len() int {
	return len(o.keys)
}

// Get returns the value stored under key.
func (o *Object) Get(key string) (any, bool) {
	v, ok := o.vals[key]
	return v, ok
}

// Set stores v under key, appending the key when it is new.
func (o *Object) Set(key string, v any) {
	if _, ok := o.vals[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.vals[key] = v
}

// MarshalJSON writes the object in key order.
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.vals[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Payload converts the object to a record payload, field by field.
func (o *Object) Payload() (*record.Payload, error) {
	p := record.NewPayload()
	for _, k := range o.keys {
		raw, err := json.Marshal(o.vals[k])
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: encode field %s", k)
		}
		p.Set(k, raw)
	}
	return p, nil
}

// decodeValue reads the next JSON value keeping object key order.
func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeFrom(dec, tok)
}

func decodeFrom(dec *json.Decoder, tok json.Token) (any, error) {
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch delim {
	case '{':
		o := NewObject()
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, ok := kt.(string)
			if !ok {
				return nil, eris.Errorf("fetcher: unexpected key token %v", kt)
			}
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			o.Set(key, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return o, nil
	case '[':
		list := []any{}
		for dec.More() {
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return list, nil
	default:
		return nil, eris.Errorf("fetcher: unexpected delimiter %v", delim)
	}
}

// ParseObject decodes a JSON object keeping key order.
func ParseObject(r io.Reader) (*Object, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: decode object")
	}
	o, ok := v.(*Object)
	if !ok {
		return nil, eris.Errorf("fetcher: expected object, got %T", v)
	}
	return o, nil
}

// ParseValue decodes any JSON value, objects keeping key order.
func ParseValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: decode value")
	}
	return v, nil
}
