// Package dedupe decides whether a freshly uploaded dump report most likely
// duplicates one already filed nearby, and models the choice the reporter makes
// once duplicates were found.
package dedupe

import "time"

// Report statuses.
const (
	StatusPending  = "pending"
	StatusInReview = "in_review"
	StatusResolved = "resolved"
)

// Dump sizes.
const (
	SizeSmall     = "small"
	SizeMedium    = "medium"
	SizeLarge     = "large"
	SizeVeryLarge = "very_large"
)

var (
	ReportStatuses = []string{StatusPending, StatusInReview, StatusResolved}
	ReportSizes    = []string{SizeSmall, SizeMedium, SizeLarge, SizeVeryLarge}
)

// Location is the stored location document of a report. Coordinates are
// optional: older rows only carry a neighborhood.
type Location struct {
	Neighborhood string   `json:"neighborhood"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
}

// HasCoordinates reports whether both latitude and longitude are present.
func (l Location) HasCoordinates() bool {
	return l.Latitude != nil && l.Longitude != nil
}

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64
	Lng float64
}

// ExistingReport is a validated report row as the detector sees it.
type ExistingReport struct {
	ID          string
	ImageURL    string
	Location    Location
	Description string
	Size        string
	CreatedAt   time.Time
	UserID      *string
}

// SimilarReport is one duplicate candidate shown to the reporter.
type SimilarReport struct {
	ID              string   `json:"id"`
	ImageURL        string   `json:"image_url"`
	Location        Location `json:"location"`
	Description     string   `json:"description"`
	Size            string   `json:"size"`
	Username        *string  `json:"username"`
	SimilarityScore float64  `json:"similarity_score"`
}

// Candidate is the submission under evaluation. The image must already be
// uploaded; ImageRef is its durable public reference.
type Candidate struct {
	ImageRef  string
	Latitude  *float64
	Longitude *float64
	CityID    string
}

// Result is the outcome of a duplicate check. HasDuplicates is always
// equivalent to len(SimilarReports) > 0.
type Result struct {
	SimilarReports []SimilarReport `json:"similar_reports"`
	HasDuplicates  bool            `json:"has_duplicates"`
}

func noDuplicates() Result {
	return Result{SimilarReports: []SimilarReport{}, HasDuplicates: false}
}

func resultOf(reports []SimilarReport) Result {
	if len(reports) == 0 {
		return noDuplicates()
	}
	return Result{SimilarReports: reports, HasDuplicates: true}
}
