package dedupe

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

var ErrMalformedRow = errors.New("malformed report row")

// Repair defaults applied to legacy rows by the maintenance pass.
const (
	UnknownNeighborhood = "Localisation inconnue"
	MissingDescription  = "Pas de description"
)

// ReportRow is a report as read from storage, before validation.
type ReportRow struct {
	ID           string
	ImageURL     string
	LocationJSON []byte
	Description  string
	Size         string
	Status       string
	CreatedAt    time.Time
	UserID       *string
}

// RankedRow is one answer of the similarity ranker, before validation.
type RankedRow struct {
	ReportRow
	Username        *string
	SimilarityScore float64
}

// ParseLocation decodes a stored location document. Coordinates outside the
// WGS84 range or non-finite values are rejected.
func ParseLocation(raw []byte) (Location, error) {
	if len(raw) == 0 {
		return Location{}, fmt.Errorf("%w: empty location", ErrMalformedRow)
	}
	var loc Location
	if err := json.Unmarshal(raw, &loc); err != nil {
		return Location{}, fmt.Errorf("%w: location: %v", ErrMalformedRow, err)
	}
	if loc.Latitude != nil && !validCoordinate(*loc.Latitude, 90) {
		return Location{}, fmt.Errorf("%w: latitude out of range", ErrMalformedRow)
	}
	if loc.Longitude != nil && !validCoordinate(*loc.Longitude, 180) {
		return Location{}, fmt.Errorf("%w: longitude out of range", ErrMalformedRow)
	}
	return loc, nil
}

func validCoordinate(value, bound float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && value >= -bound && value <= bound
}

// ParseReportRow validates a storage row. Callers drop rows that fail.
func ParseReportRow(row ReportRow) (ExistingReport, error) {
	if strings.TrimSpace(row.ID) == "" {
		return ExistingReport{}, fmt.Errorf("%w: missing id", ErrMalformedRow)
	}
	if row.CreatedAt.IsZero() {
		return ExistingReport{}, fmt.Errorf("%w: report %s: missing created_at", ErrMalformedRow, row.ID)
	}
	if !slices.Contains(ReportSizes, row.Size) {
		return ExistingReport{}, fmt.Errorf("%w: report %s: unknown size %q", ErrMalformedRow, row.ID, row.Size)
	}
	loc, err := ParseLocation(row.LocationJSON)
	if err != nil {
		return ExistingReport{}, fmt.Errorf("report %s: %w", row.ID, err)
	}
	return ExistingReport{
		ID:          row.ID,
		ImageURL:    row.ImageURL,
		Location:    loc,
		Description: row.Description,
		Size:        row.Size,
		CreatedAt:   row.CreatedAt,
		UserID:      row.UserID,
	}, nil
}

// ParseRankedRow validates a ranker answer into a SimilarReport.
func ParseRankedRow(row RankedRow) (SimilarReport, error) {
	report, err := ParseReportRow(row.ReportRow)
	if err != nil {
		return SimilarReport{}, err
	}
	if math.IsNaN(row.SimilarityScore) || row.SimilarityScore < -1 || row.SimilarityScore > 1 {
		return SimilarReport{}, fmt.Errorf("%w: report %s: similarity score %v", ErrMalformedRow, row.ID, row.SimilarityScore)
	}
	return SimilarReport{
		ID:              report.ID,
		ImageURL:        report.ImageURL,
		Location:        report.Location,
		Description:     report.Description,
		Size:            report.Size,
		Username:        row.Username,
		SimilarityScore: row.SimilarityScore,
	}, nil
}

// RepairReportRow fills the fields a legacy row may lack with safe defaults.
// It reports whether anything changed.
func RepairReportRow(row ReportRow) (ReportRow, bool) {
	changed := false

	loc := map[string]any{}
	if len(row.LocationJSON) > 0 {
		if err := json.Unmarshal(row.LocationJSON, &loc); err != nil || loc == nil {
			loc = map[string]any{}
			changed = true
		}
	} else {
		changed = true
	}
	if neighborhood, _ := loc["neighborhood"].(string); strings.TrimSpace(neighborhood) == "" {
		loc["neighborhood"] = UnknownNeighborhood
		changed = true
	}
	if changed {
		encoded, _ := json.Marshal(loc)
		row.LocationJSON = encoded
	}

	if !slices.Contains(ReportStatuses, row.Status) {
		row.Status = StatusPending
		changed = true
	}
	if !slices.Contains(ReportSizes, row.Size) {
		row.Size = SizeMedium
		changed = true
	}
	if strings.TrimSpace(row.Description) == "" {
		row.Description = MissingDescription
		changed = true
	}
	return row, changed
}
