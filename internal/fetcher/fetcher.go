// Package fetcher downloads source files and decodes DECP documents into
// ordered payloads.
package fetcher

import (
	"context"
	"io"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)

	// GetJSON fetches the URL and decodes the JSON response into dst.
	GetJSON(ctx context.Context, url string, dst any) error
}

// Element is one contract or concession read from a source file.
type Element struct {
	// Name is the element name: "marche" or "contrat-concession".
	Name string
	// Position is the zero-based index of the element among its siblings.
	Position int
	// Object holds the element fields in document order.
	Object *Object
}
