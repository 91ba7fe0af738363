package source

import (
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Supported file formats.
const (
	FormatXML  = "xml"
	FormatJSON = "json"
)

// Definition describes one publishing source.
type Definition struct {
	Code   string `yaml:"code"`
	Name   string `yaml:"name"`
	Format string `yaml:"format"`
	// URL is fetched directly when the source has no dataset.
	URL string `yaml:"url"`
	// Datasets are data.gouv.fr dataset ids whose resources are listed.
	Datasets []string `yaml:"datasets"`
	Disabled bool     `yaml:"disabled"`
}

// Catalog is the list of known sources.
type Catalog struct {
	Sources []Definition `yaml:"sources"`
}

// LoadCatalog reads and validates the catalog at path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read catalog %s", path)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "source: parse catalog")
	}
	for i := range c.Sources {
		d := &c.Sources[i]
		d.Code = strings.TrimSpace(d.Code)
		d.Format = strings.ToLower(strings.TrimSpace(d.Format))
		if d.Format == "" {
			d.Format = FormatXML
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks codes are unique and every source can be fetched.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Sources))
	for _, d := range c.Sources {
		if d.Code == "" {
			return eris.New("source: catalog entry without code")
		}
		if strings.EqualFold(d.Code, "ALL") {
			return eris.Errorf("source: code %q is reserved", d.Code)
		}
		if seen[d.Code] {
			return eris.Errorf("source: duplicate code %q", d.Code)
		}
		seen[d.Code] = true
		if d.Format != FormatXML && d.Format != FormatJSON {
			return eris.Errorf("source %s: unsupported format %q", d.Code, d.Format)
		}
		if d.URL == "" && len(d.Datasets) == 0 {
			return eris.Errorf("source %s: needs a url or at least one dataset", d.Code)
		}
	}
	return nil
}

// Select returns the enabled sources named in codes, or every enabled source
// when codes is empty. Unknown codes are an error.
func (c *Catalog) Select(codes []string) ([]Definition, error) {
	if len(codes) == 0 {
		var out []Definition
		for _, d := range c.Sources {
			if !d.Disabled {
				out = append(out, d)
			}
		}
		return out, nil
	}

	var out []Definition
	for _, code := range codes {
		idx := slices.IndexFunc(c.Sources, func(d Definition) bool { return d.Code == code })
		if idx < 0 {
			return nil, eris.Errorf("source: unknown source %q", code)
		}
		if c.Sources[idx].Disabled {
			return nil, eris.Errorf("source: %q is disabled", code)
		}
		if !slices.ContainsFunc(out, func(d Definition) bool { return d.Code == code }) {
			out = append(out, c.Sources[idx])
		}
	}
	return out, nil
}
