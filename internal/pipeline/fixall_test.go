package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/decp-sync/internal/record"
)

func TestExportBuckets(t *testing.T) {
	now := time.Date(2025, 2, 20, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		first   string
		rebuild int
		want    []string
	}{
		{name: "from first bucket", first: "2024-11", want: []string{"2024-11", "2024-12", "2025-01", "2025-02"}},
		{name: "rebuild past year", first: "2024-01", rebuild: 2024, want: []string{
			"2024-01", "2024-02", "2024-03", "2024-04", "2024-05", "2024-06",
			"2024-07", "2024-08", "2024-09", "2024-10", "2024-11", "2024-12",
		}},
		{name: "rebuild current year", first: "2024-01", rebuild: 2025, want: []string{"2025-01", "2025-02"}},
		{name: "rebuild before first bucket", first: "2024-01", rebuild: 2023, want: nil},
		{name: "invalid first bucket", first: "2024", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExportBuckets(tt.first, now, tt.rebuild))
		})
	}
}

func TestDateFixer(t *testing.T) {
	mk := func(notified string) record.Record {
		p := record.NewPayload()
		require.NoError(t, p.SetValue("id", "M1"))
		require.NoError(t, p.SetValue("dateNotification", notified))
		require.NoError(t, p.SetValue("datePublicationDonnees", "2024-03-01+01:00"))
		require.NoError(t, p.SetValue("dateTransmissionDonneesEtalab", "2024-03-02"))
		return record.FromPayload(record.Contract, p, record.Lineage{Source: "s"})
	}

	f := DateFixer{Since: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	out, meta, err := f.FixBatch(context.Background(), []record.Record{
		mk("2024-02-05T00:00:00"),
		mk("2023-12-31"),
		mk(""),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 1, meta["too_old"])

	got, err := out[0].Payload.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"M1","dateNotification":"2024-02-05","datePublicationDonnees":"2024-03-01"}`, string(got))
	assert.Equal(t, "2024-02-05", out[0].PrimaryDate)
	assert.Equal(t, "s", out[0].Lineage.Source)
	assert.Empty(t, out[1].PrimaryDate)
}
