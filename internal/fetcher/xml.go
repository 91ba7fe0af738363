package fetcher

import (
	"context"
	"encoding/xml"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// DECP element names.
const (
	ContractElement   = "marche"
	ConcessionElement = "contrat-concession"
)

// StreamXML decodes every element named in names into an ordered object and
// sends it, normalized, to a channel. Both channels are closed when
// processing completes.
func StreamXML(ctx context.Context, r io.Reader, names ...string) (<-chan Element, <-chan error) {
	if len(names) == 0 {
		names = []string{ContractElement, ConcessionElement}
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	outCh := make(chan Element, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := newXMLDecoder(r)
		positions := make(map[string]int)

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "xml: context cancelled")
				return
			}

			tok, err := decoder.Token()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "xml: read token")
				return
			}

			se, ok := tok.(xml.StartElement)
			if !ok || !want[se.Name.Local] {
				continue
			}

			v, err := decodeElement(decoder, se)
			if err != nil {
				errCh <- eris.Wrapf(err, "xml: decode %s", se.Name.Local)
				return
			}
			obj, ok := v.(*Object)
			if !ok {
				obj = NewObject()
			}
			NormalizeLists(obj)

			el := Element{Name: se.Name.Local, Position: positions[se.Name.Local], Object: obj}
			positions[se.Name.Local]++

			select {
			case outCh <- el:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "xml: context cancelled")
				return
			}
		}
	}()

	return outCh, errCh
}

// newXMLDecoder accepts any charset known to the WHATWG index, such as
// ISO-8859-1 and windows-1252 used by older files.
func newXMLDecoder(r io.Reader) *xml.Decoder {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "xml: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}
	return decoder
}

// decodeElement converts the subtree opened by start. Leaf elements become
// strings (nil when empty), repeated children become lists and attributes
// are stored under "@name".
func decodeElement(d *xml.Decoder, start xml.StartElement) (any, error) {
	obj := NewObject()
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
			continue
		}
		obj.Set("@"+a.Name.Local, a.Value)
	}
	repeated := make(map[string]bool)
	var text strings.Builder

	for {
		tok, err := d.Token()
		if err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeElement(d, t)
			if err != nil {
				return nil, err
			}
			addChild(obj, repeated, t.Name.Local, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			s := strings.TrimSpace(text.String())
			if obj.Len() == 0 {
				if s == "" {
					return nil, nil
				}
				return s, nil
			}
			if s != "" {
				obj.Set("#text", s)
			}
			return obj, nil
		}
	}
}

func addChild(obj *Object, repeated map[string]bool, name string, child any) {
	existing, ok := obj.Get(name)
	switch {
	case !ok && forcedLists[name]:
		obj.Set(name, []any{child})
		repeated[name] = true
	case !ok:
		obj.Set(name, child)
	case repeated[name]:
		obj.Set(name, append(existing.([]any), child))
	default:
		obj.Set(name, []any{existing, child})
		repeated[name] = true
	}
}
