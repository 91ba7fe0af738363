package record

import "encoding/json"

// Enrichment is the downstream payload attached to a canonical row once.
type Enrichment struct {
	Category Category        `json:"category"`
	RowID    int64           `json:"row_id"`
	Data     json.RawMessage `json:"data"`
}
