package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// StreamJSON decodes the contracts and concessions of a DECP JSON document.
// Three layouts are accepted:
//
//	{"marches": {"marche": [...], "contrat-concession": [...]}}
//	{"marches": [{..., "_type": "Marché"}, ...]}
//	[{..., "_type": "Marché"}, ...]
//
// Both channels are closed when processing completes.
func StreamJSON(ctx context.Context, r io.Reader) (<-chan Element, <-chan error) {
	outCh := make(chan Element, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		s := &jsonStream{
			ctx:       ctx,
			dec:       json.NewDecoder(r),
			out:       outCh,
			positions: make(map[string]int),
		}
		s.dec.UseNumber()
		if err := s.run(); err != nil {
			errCh <- err
		}
	}()

	return outCh, errCh
}

type jsonStream struct {
	ctx       context.Context
	dec       *json.Decoder
	out       chan<- Element
	positions map[string]int
}

func (s *jsonStream) run() error {
	tok, err := s.dec.Token()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "json: read opening token")
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return eris.Errorf("json: expected object or array, got %v", tok)
	}
	if delim == '[' {
		return s.flatList("")
	}
	if delim != '{' {
		return eris.Errorf("json: unexpected delimiter %v", delim)
	}

	for s.dec.More() {
		kt, err := s.dec.Token()
		if err != nil {
			return eris.Wrap(err, "json: read key")
		}
		if kt != "marches" {
			var skip json.RawMessage
			if err := s.dec.Decode(&skip); err != nil {
				return eris.Wrapf(err, "json: skip %v", kt)
			}
			continue
		}
		if err := s.marches(); err != nil {
			return err
		}
	}
	return nil
}

// marches reads the value of the "marches" key.
func (s *jsonStream) marches() error {
	tok, err := s.dec.Token()
	if err != nil {
		return eris.Wrap(err, "json: read marches")
	}
	switch tok {
	case json.Delim('['):
		return s.flatList("")
	case json.Delim('{'):
	case nil:
		return nil
	default:
		return eris.Errorf("json: unexpected marches value %v", tok)
	}

	for s.dec.More() {
		kt, err := s.dec.Token()
		if err != nil {
			return eris.Wrap(err, "json: read marches key")
		}
		name, _ := kt.(string)
		if name != ContractElement && name != ConcessionElement {
			var skip json.RawMessage
			if err := s.dec.Decode(&skip); err != nil {
				return eris.Wrapf(err, "json: skip %s", name)
			}
			continue
		}

		tok, err := s.dec.Token()
		if err != nil {
			return eris.Wrapf(err, "json: read %s", name)
		}
		switch tok {
		case json.Delim('['):
			if err := s.flatList(name); err != nil {
				return err
			}
		case json.Delim('{'):
			v, err := decodeFrom(s.dec, tok)
			if err != nil {
				return eris.Wrapf(err, "json: decode %s", name)
			}
			if err := s.emit(name, v); err != nil {
				return err
			}
		case nil:
		default:
			return eris.Errorf("json: unexpected %s value %v", name, tok)
		}
	}
	_, err = s.dec.Token()
	return eris.Wrap(err, "json: close marches")
}

// flatList reads array items up to the closing bracket. An empty name means
// the element kind comes from each item.
func (s *jsonStream) flatList(name string) error {
	for s.dec.More() {
		if s.ctx.Err() != nil {
			return eris.Wrap(s.ctx.Err(), "json: context cancelled")
		}
		v, err := decodeValue(s.dec)
		if err != nil {
			return eris.Wrap(err, "json: decode element")
		}
		if err := s.emit(name, v); err != nil {
			return err
		}
	}
	_, err := s.dec.Token()
	return eris.Wrap(err, "json: read closing token")
}

func (s *jsonStream) emit(name string, v any) error {
	obj, ok := v.(*Object)
	if !ok {
		return nil
	}
	if name == "" {
		name = elementKind(obj)
	}
	NormalizeLists(obj)

	el := Element{Name: name, Position: s.positions[name], Object: obj}
	s.positions[name]++

	select {
	case s.out <- el:
		return nil
	case <-s.ctx.Done():
		return eris.Wrap(s.ctx.Err(), "json: context cancelled")
	}
}

// elementKind classifies an item of a flat list by its "_type" or "nature".
func elementKind(o *Object) string {
	for _, key := range []string{"_type", "nature"} {
		if v, ok := o.Get(key); ok {
			if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), "concession") {
				return ConcessionElement
			}
		}
	}
	if _, ok := o.Get("autoriteConcedante"); ok {
		return ConcessionElement
	}
	return ContractElement
}
