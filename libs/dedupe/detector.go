package dedupe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

var ErrMissingCoordinates = errors.New("candidate has no coordinates")

// RecentReportSource lists the reports of a city created after since.
type RecentReportSource interface {
	RecentReports(ctx context.Context, cityID string, since time.Time) ([]ReportRow, error)
}

// SimilarityQuery is the request sent to the ranked-similarity function.
type SimilarityQuery struct {
	Latitude     float64
	Longitude    float64
	CityID       string
	Vector       []float64
	RadiusMeters float64
	Days         int
	Threshold    float64
}

// SimilarityRanker returns reports ranked by descending similarity to the
// query. It is typically a stored function next to the reports table.
type SimilarityRanker interface {
	FindSimilar(ctx context.Context, query SimilarityQuery) ([]RankedRow, error)
}

// ProfileLookup resolves user ids to display names. Unknown ids are absent
// from the returned map.
type ProfileLookup interface {
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

type DetectorConfig struct {
	Reports  RecentReportSource
	Ranker   SimilarityRanker
	Profiles ProfileLookup
	Logger   *slog.Logger
	Now      func() time.Time

	RadiusMeters float64
	Lookback     time.Duration
	Threshold    float64
}

// Detector runs duplicate checks. It never returns an error to callers: every
// failure degrades to "no duplicates" so a report can always be filed.
type Detector struct {
	reports  RecentReportSource
	ranker   SimilarityRanker
	profiles ProfileLookup
	log      *slog.Logger
	now      func() time.Time

	radiusMeters float64
	lookback     time.Duration
	threshold    float64
}

func NewDetector(cfg DetectorConfig) *Detector {
	d := &Detector{
		reports:      cfg.Reports,
		ranker:       cfg.Ranker,
		profiles:     cfg.Profiles,
		log:          cfg.Logger,
		now:          cfg.Now,
		radiusMeters: cfg.RadiusMeters,
		lookback:     cfg.Lookback,
		threshold:    cfg.Threshold,
	}
	if d.log == nil {
		d.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.radiusMeters <= 0 {
		d.radiusMeters = DefaultRadiusMeters
	}
	if d.lookback <= 0 {
		d.lookback = DefaultLookback
	}
	if d.threshold <= 0 {
		d.threshold = DefaultSimilarityThreshold
	}
	return d
}

// Check evaluates a candidate submission against recent nearby reports.
func (d *Detector) Check(ctx context.Context, candidate Candidate) (result Result) {
	outcome := OutcomeError
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("duplicate check panicked", "city_id", candidate.CityID, "panic", fmt.Sprint(r))
			result = noDuplicates()
			outcome = OutcomeError
		}
		ChecksTotal.WithLabelValues(outcome).Inc()
	}()

	result, outcome, err := d.check(ctx, candidate)
	if err != nil {
		if errors.Is(err, ErrMissingCoordinates) {
			d.log.Info("duplicate check skipped", "reason", err.Error())
		} else {
			d.log.Error("duplicate check failed", "city_id", candidate.CityID, "err", err)
		}
		return noDuplicates()
	}
	return result
}

func (d *Detector) check(ctx context.Context, candidate Candidate) (Result, string, error) {
	if candidate.Latitude == nil || candidate.Longitude == nil {
		return noDuplicates(), OutcomeSkipped, ErrMissingCoordinates
	}
	if candidate.CityID == "" {
		return noDuplicates(), OutcomeSkipped, fmt.Errorf("%w: city is required", ErrMissingCoordinates)
	}
	if d.reports == nil {
		return noDuplicates(), OutcomeError, errors.New("no report source configured")
	}

	vector := ExtractFeatures(candidate.ImageRef)
	since := d.now().Add(-d.lookback)

	rows, err := d.reports.RecentReports(ctx, candidate.CityID, since)
	if err != nil {
		return noDuplicates(), OutcomeError, fmt.Errorf("list recent reports: %w", err)
	}

	existing := make([]ExistingReport, 0, len(rows))
	for _, row := range rows {
		report, err := ParseReportRow(row)
		if err != nil {
			RowsRejectedTotal.Inc()
			d.log.Warn("dropping malformed report row", "err", err)
			continue
		}
		existing = append(existing, report)
	}

	origin := Point{Lat: *candidate.Latitude, Lng: *candidate.Longitude}
	nearby := FilterNearby(origin, existing, d.radiusMeters, since)
	if len(nearby) == 0 {
		return noDuplicates(), OutcomeNoNearby, nil
	}

	ranked, err := d.rank(ctx, SimilarityQuery{
		Latitude:     origin.Lat,
		Longitude:    origin.Lng,
		CityID:       candidate.CityID,
		Vector:       vector,
		RadiusMeters: d.radiusMeters,
		Days:         int(d.lookback / (24 * time.Hour)),
		Threshold:    d.threshold,
	})
	if err != nil {
		d.log.Warn("similarity ranking unavailable, using proximity fallback", "city_id", candidate.CityID, "err", err)
	}
	if len(ranked) > 0 {
		return resultOf(ranked), OutcomeRanked, nil
	}

	return resultOf(d.fallback(ctx, nearby)), OutcomeFallback, nil
}

func (d *Detector) rank(ctx context.Context, query SimilarityQuery) ([]SimilarReport, error) {
	if d.ranker == nil {
		return nil, errors.New("no similarity ranker configured")
	}
	rows, err := d.ranker.FindSimilar(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]SimilarReport, 0, len(rows))
	for _, row := range rows {
		similar, err := ParseRankedRow(row)
		if err != nil {
			RowsRejectedTotal.Inc()
			d.log.Warn("dropping malformed ranked row", "err", err)
			continue
		}
		out = append(out, similar)
	}
	return out, nil
}

func (d *Detector) fallback(ctx context.Context, nearby []ExistingReport) []SimilarReport {
	names := d.displayNames(ctx, nearby)
	out := make([]SimilarReport, 0, len(nearby))
	for _, report := range nearby {
		var username *string
		if report.UserID != nil {
			if name, ok := names[*report.UserID]; ok {
				username = &name
			}
		}
		out = append(out, SimilarReport{
			ID:              report.ID,
			ImageURL:        report.ImageURL,
			Location:        report.Location,
			Description:     report.Description,
			Size:            report.Size,
			Username:        username,
			SimilarityScore: FallbackSimilarityScore,
		})
	}
	return out
}

func (d *Detector) displayNames(ctx context.Context, reports []ExistingReport) map[string]string {
	if d.profiles == nil {
		return map[string]string{}
	}
	seen := make(map[string]struct{}, len(reports))
	ids := make([]string, 0, len(reports))
	for _, report := range reports {
		if report.UserID == nil || *report.UserID == "" {
			continue
		}
		if _, ok := seen[*report.UserID]; ok {
			continue
		}
		seen[*report.UserID] = struct{}{}
		ids = append(ids, *report.UserID)
	}
	if len(ids) == 0 {
		return map[string]string{}
	}
	names, err := d.profiles.DisplayNames(ctx, ids)
	if err != nil {
		d.log.Warn("display name lookup failed", "err", err)
		return map[string]string{}
	}
	if names == nil {
		return map[string]string{}
	}
	return names
}
