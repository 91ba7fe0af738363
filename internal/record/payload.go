package record

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// Payload is a JSON object that keeps its keys in arrival order. Values are
// held as raw JSON and never decoded by the resolver or the stores.
type Payload struct {
	keys   []string
	values map[string]json.RawMessage
}

// NewPayload returns an empty payload.
func NewPayload() *Payload {
	return &Payload{values: make(map[string]json.RawMessage)}
}

// ParsePayload decodes a JSON object, preserving key order.
func ParsePayload(data []byte) (*Payload, error) {
	p := NewPayload()
	if err := p.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return p, nil
}

// Keys returns the keys in order.
func (p *Payload) Keys() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.keys...)
}

// Len returns the number of keys.
func (p *Payload) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Get returns the raw value for key.
func (p *Payload) Get(key string) (json.RawMessage, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p.values[key]
	return v, ok
}

// Set stores a raw value. New keys are appended; existing keys keep their position.
func (p *Payload) Set(key string, raw json.RawMessage) {
	if p.values == nil {
		p.values = make(map[string]json.RawMessage)
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = append(json.RawMessage(nil), raw...)
}

// SetValue marshals v and stores it under key.
func (p *Payload) SetValue(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "payload: marshal %s", key)
	}
	p.Set(key, raw)
	return nil
}

// Delete removes key.
func (p *Payload) Delete(key string) {
	if p == nil {
		return
	}
	if _, ok := p.values[key]; !ok {
		return
	}
	delete(p.values, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Populated counts top-level values that are not null, "", [] or {}.
func (p *Payload) Populated() int {
	if p == nil {
		return 0
	}
	n := 0
	for _, k := range p.keys {
		if !isEmptyRaw(p.values[k]) {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (p *Payload) Clone() *Payload {
	c := NewPayload()
	if p == nil {
		return c
	}
	for _, k := range p.keys {
		c.Set(k, p.values[k])
	}
	return c
}

// Equal reports whether both payloads hold the same keys, order and bytes.
func (p *Payload) Equal(o *Payload) bool {
	if p.Len() != o.Len() {
		return false
	}
	for i, k := range p.Keys() {
		if o.keys[i] != k || !bytes.Equal(p.values[k], o.values[k]) {
			return false
		}
	}
	return true
}

// MarshalJSON writes the object in key order.
func (p *Payload) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		v := p.values[k]
		if len(v) == 0 {
			v = json.RawMessage("null")
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object token by token to keep key order.
func (p *Payload) UnmarshalJSON(data []byte) error {
	p.keys = nil
	p.values = make(map[string]json.RawMessage)

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return eris.Wrap(err, "payload: read opening token")
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return eris.Errorf("payload: expected object, got %v", tok)
	}

	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return eris.Wrap(err, "payload: read key")
		}
		key, ok := kt.(string)
		if !ok {
			return eris.Errorf("payload: unexpected key token %v", kt)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return eris.Wrapf(err, "payload: decode value for %s", key)
		}
		p.Set(key, raw)
	}

	if _, err := dec.Token(); err != nil && err != io.EOF {
		return eris.Wrap(err, "payload: read closing token")
	}
	return nil
}

func isEmptyRaw(raw json.RawMessage) bool {
	s := bytes.TrimSpace(raw)
	switch string(s) {
	case "", "null", `""`, "[]", "{}":
		return true
	}
	if s[0] == '[' || s[0] == '{' {
		inner := bytes.TrimSpace(s[1 : len(s)-1])
		return len(inner) == 0
	}
	return false
}
