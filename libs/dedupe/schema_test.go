package dedupe

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRow() ReportRow {
	return ReportRow{
		ID:           "7b1c9a52-4a39-4d36-9a8e-0f0a4e1f6c11",
		ImageURL:     "https://cdn.example.org/reports/1.jpg",
		LocationJSON: []byte(`{"neighborhood":"Croix-Rousse","latitude":45.774,"longitude":4.8316}`),
		Description:  "Gravats au pied de l'arbre",
		Size:         SizeLarge,
		Status:       StatusPending,
		CreatedAt:    testNow,
	}
}

func TestParseReportRowAcceptsValidRow(t *testing.T) {
	report, err := ParseReportRow(validRow())
	require.NoError(t, err)
	assert.Equal(t, "Croix-Rousse", report.Location.Neighborhood)
	require.True(t, report.Location.HasCoordinates())
	assert.InDelta(t, 45.774, *report.Location.Latitude, 1e-9)
}

func TestParseReportRowAllowsMissingCoordinates(t *testing.T) {
	row := validRow()
	row.LocationJSON = []byte(`{"neighborhood":"Vaise"}`)
	report, err := ParseReportRow(row)
	require.NoError(t, err)
	assert.False(t, report.Location.HasCoordinates())
}

func TestParseReportRowRejectsMalformedRows(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ReportRow)
	}{
		{name: "missing id", mutate: func(r *ReportRow) { r.ID = " " }},
		{name: "zero created_at", mutate: func(r *ReportRow) { r.CreatedAt = time.Time{} }},
		{name: "unknown size", mutate: func(r *ReportRow) { r.Size = "huge" }},
		{name: "empty location", mutate: func(r *ReportRow) { r.LocationJSON = nil }},
		{name: "location not an object", mutate: func(r *ReportRow) { r.LocationJSON = []byte(`"Lyon"`) }},
		{name: "latitude wrong type", mutate: func(r *ReportRow) { r.LocationJSON = []byte(`{"latitude":"45.7","longitude":4.8}`) }},
		{name: "latitude out of range", mutate: func(r *ReportRow) { r.LocationJSON = []byte(`{"latitude":95,"longitude":4.8}`) }},
		{name: "longitude out of range", mutate: func(r *ReportRow) { r.LocationJSON = []byte(`{"latitude":45,"longitude":-181}`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := validRow()
			tt.mutate(&row)
			_, err := ParseReportRow(row)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRow))
		})
	}
}

func TestParseRankedRowValidatesScore(t *testing.T) {
	row := RankedRow{ReportRow: validRow(), Username: ptr("camille"), SimilarityScore: 0.91}
	similar, err := ParseRankedRow(row)
	require.NoError(t, err)
	assert.Equal(t, 0.91, similar.SimilarityScore)
	assert.Equal(t, "camille", *similar.Username)

	row.SimilarityScore = math.NaN()
	_, err = ParseRankedRow(row)
	assert.ErrorIs(t, err, ErrMalformedRow)
}

func TestRepairReportRowFillsDefaults(t *testing.T) {
	row := ReportRow{ID: "r1", Status: "", Size: "", Description: "  ", LocationJSON: []byte(`{"latitude":45.7}`)}
	repaired, changed := RepairReportRow(row)
	require.True(t, changed)
	assert.Equal(t, StatusPending, repaired.Status)
	assert.Equal(t, SizeMedium, repaired.Size)
	assert.Equal(t, MissingDescription, repaired.Description)

	var loc map[string]any
	require.NoError(t, json.Unmarshal(repaired.LocationJSON, &loc))
	assert.Equal(t, UnknownNeighborhood, loc["neighborhood"])
	assert.Equal(t, 45.7, loc["latitude"])
}

func TestRepairReportRowLeavesValidRowUntouched(t *testing.T) {
	row := validRow()
	repaired, changed := RepairReportRow(row)
	assert.False(t, changed)
	assert.Equal(t, row, repaired)
}

func TestRepairReportRowReplacesUnreadableLocation(t *testing.T) {
	row := validRow()
	row.LocationJSON = []byte(`not json`)
	repaired, changed := RepairReportRow(row)
	require.True(t, changed)
	assert.JSONEq(t, `{"neighborhood":"Localisation inconnue"}`, string(repaired.LocationJSON))
}
