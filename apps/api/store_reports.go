package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"dumpwatch/libs/dedupe"

	"github.com/pgvector/pgvector-go"
)

const reportSelect = `
	SELECT
		id,
		image_url,
		image_key,
		location,
		city_id,
		description,
		size,
		status,
		user_id,
		created_at,
		updated_at
	FROM reports
`

const reportReturning = `
	RETURNING id, image_url, image_key, location, city_id, description, size, status, user_id, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanReport rejects rows that do not satisfy the report schema with an
// error wrapping dedupe.ErrMalformedRow.
func scanReport(scanner rowScanner) (Report, error) {
	var row dedupe.ReportRow
	var imageKey string
	var cityID, userID sql.NullString
	var updatedAt time.Time
	if err := scanner.Scan(
		&row.ID,
		&row.ImageURL,
		&imageKey,
		&row.LocationJSON,
		&cityID,
		&row.Description,
		&row.Size,
		&row.Status,
		&userID,
		&row.CreatedAt,
		&updatedAt,
	); err != nil {
		return Report{}, err
	}
	if userID.Valid {
		row.UserID = &userID.String
	}

	parsed, err := dedupe.ParseReportRow(row)
	if err != nil {
		return Report{}, err
	}
	if !slices.Contains(dedupe.ReportStatuses, row.Status) {
		return Report{}, fmt.Errorf("%w: report %s: unknown status %q", dedupe.ErrMalformedRow, row.ID, row.Status)
	}

	report := Report{
		ID:          parsed.ID,
		ImageURL:    parsed.ImageURL,
		ImageKey:    imageKey,
		Location:    parsed.Location,
		Description: parsed.Description,
		Size:        parsed.Size,
		Status:      row.Status,
		UserID:      parsed.UserID,
		CreatedAt:   parsed.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   updatedAt.UTC().Format(time.RFC3339),
	}
	if cityID.Valid {
		report.CityID = &cityID.String
	}
	return report, nil
}

func (a *App) getReportByID(ctx context.Context, reportID string) (*Report, error) {
	report, err := scanReport(a.db.QueryRowContext(ctx, reportSelect+` WHERE id = $1 LIMIT 1`, reportID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &report, nil
}

func (a *App) insertReport(ctx context.Context, input NewReport) (*Report, error) {
	locationJSON, err := json.Marshal(input.Location)
	if err != nil {
		return nil, err
	}
	vector := pgvector.NewVector(dedupe.Float32s(dedupe.ExtractFeatures(input.ImageURL)))

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	report, err := scanReport(tx.QueryRowContext(ctx, `
		INSERT INTO reports (image_url, image_key, image_vector, location, city_id, description, size, status, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`+reportReturning,
		input.ImageURL,
		input.ImageKey,
		vector,
		locationJSON,
		nullableString(input.CityID),
		input.Description,
		input.Size,
		dedupe.StatusPending,
		input.UserID,
	))
	if err != nil {
		return nil, err
	}

	if err := a.addEventTx(ctx, tx, report.ID, "created", input.Actor, input.Metadata); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &report, nil
}

// contributeToReport records a reporter confirming an existing report and
// moves it into review.
func (a *App) contributeToReport(ctx context.Context, reportID string, contribution Contribution) (*Report, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM reports WHERE id = $1 FOR UPDATE`, reportID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	next, ok := contributionTransitions[current]
	if !ok {
		return nil, fmt.Errorf("%w: report %s: unknown status %q", dedupe.ErrMalformedRow, reportID, current)
	}

	report, err := scanReport(tx.QueryRowContext(ctx, `
		UPDATE reports SET status = $1, updated_at = NOW() WHERE id = $2
	`+reportReturning, next, reportID))
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{"submission_id": contribution.SubmissionID}
	if contribution.UserID != nil {
		metadata["user_id"] = *contribution.UserID
	}
	if err := a.addEventTx(ctx, tx, reportID, "contribution", contribution.Actor, metadata); err != nil {
		return nil, err
	}
	if next != current {
		if err := a.addEventTx(ctx, tx, reportID, "status_changed", contribution.Actor, map[string]any{"from": current, "to": next}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &report, nil
}

func (a *App) updateReportStatus(ctx context.Context, reportID, status, actor string) (*Report, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM reports WHERE id = $1 FOR UPDATE`, reportID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if current == status {
		return nil, &apiError{Status: http.StatusConflict, Code: "status_unchanged", Message: "Report already has this status"}
	}
	if !slices.Contains(statusTransitions[current], status) {
		return nil, &apiError{Status: http.StatusConflict, Code: "invalid_transition", Message: fmt.Sprintf("Cannot move report from %s to %s", current, status)}
	}

	report, err := scanReport(tx.QueryRowContext(ctx, `
		UPDATE reports SET status = $1, updated_at = NOW() WHERE id = $2
	`+reportReturning, status, reportID))
	if err != nil {
		return nil, err
	}
	if err := a.addEventTx(ctx, tx, reportID, "status_changed", actor, map[string]any{"from": current, "to": status}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &report, nil
}

// deleteReport removes the row and returns the object key of its image.
func (a *App) deleteReport(ctx context.Context, reportID string) (string, bool, error) {
	var imageKey string
	err := a.db.QueryRowContext(ctx, `DELETE FROM reports WHERE id = $1 RETURNING image_key`, reportID).Scan(&imageKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return imageKey, true, nil
}

func (a *App) updateReportNeighborhood(ctx context.Context, reportID, neighborhood string) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE reports
		SET location = jsonb_set(location, '{neighborhood}', to_jsonb($1::text)), updated_at = NOW()
		WHERE id = $2
	`, neighborhood, reportID)
	return err
}

// repairReports rewrites legacy rows so every report satisfies the schema.
func (a *App) repairReports(ctx context.Context) (int, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, image_url, location, description, size, status, created_at, user_id
		FROM reports
		ORDER BY created_at ASC
	`)
	if err != nil {
		return 0, err
	}

	var pending []dedupe.ReportRow
	for rows.Next() {
		var row dedupe.ReportRow
		var userID sql.NullString
		if err := rows.Scan(&row.ID, &row.ImageURL, &row.LocationJSON, &row.Description, &row.Size, &row.Status, &row.CreatedAt, &userID); err != nil {
			rows.Close()
			return 0, err
		}
		if repaired, changed := dedupe.RepairReportRow(row); changed {
			pending = append(pending, repaired)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, row := range pending {
		if _, err := a.db.ExecContext(ctx, `
			UPDATE reports
			SET location = $1, description = $2, size = $3, status = $4, updated_at = NOW()
			WHERE id = $5
		`, row.LocationJSON, row.Description, row.Size, row.Status, row.ID); err != nil {
			return 0, fmt.Errorf("repair report %s: %w", row.ID, err)
		}
		a.log.Info("repaired report", "report_id", row.ID)
	}
	return len(pending), nil
}

func (a *App) addEvent(ctx context.Context, reportID string, eventType, actor string, metadata map[string]any) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO report_events (report_id, type, actor, metadata)
		VALUES ($1, $2, $3, $4)
	`, reportID, eventType, actor, anyMapToJSON(metadata))
	return err
}

func (a *App) addEventTx(ctx context.Context, tx *sql.Tx, reportID string, eventType, actor string, metadata map[string]any) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO report_events (report_id, type, actor, metadata)
		VALUES ($1, $2, $3, $4)
	`, reportID, eventType, actor, anyMapToJSON(metadata))
	return err
}

func (a *App) listEvents(ctx context.Context, reportID string) ([]ReportEvent, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, report_id, type, actor, metadata, created_at
		FROM report_events
		WHERE report_id = $1
		ORDER BY created_at ASC
	`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]ReportEvent, 0)
	for rows.Next() {
		var event ReportEvent
		var metadataRaw []byte
		var createdAt time.Time
		if err := rows.Scan(&event.ID, &event.ReportID, &event.Type, &event.Actor, &metadataRaw, &createdAt); err != nil {
			return nil, err
		}
		event.Metadata = jsonToAnyMap(metadataRaw)
		event.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		events = append(events, event)
	}
	return events, rows.Err()
}

func (a *App) listCities(ctx context.Context) ([]City, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT id, name, region FROM cities ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cities := make([]City, 0)
	for rows.Next() {
		var city City
		if err := rows.Scan(&city.ID, &city.Name, &city.Region); err != nil {
			return nil, err
		}
		cities = append(cities, city)
	}
	return cities, rows.Err()
}

func (a *App) cityExists(ctx context.Context, cityID string) (bool, error) {
	var exists bool
	err := a.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM cities WHERE id = $1)`, cityID).Scan(&exists)
	return exists, err
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

// pgReportStore serves the duplicate detector from Postgres.
type pgReportStore struct {
	db *sql.DB
}

func (s *pgReportStore) RecentReports(ctx context.Context, cityID string, since time.Time) ([]dedupe.ReportRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, image_url, location, description, size, status, created_at, user_id
		FROM reports
		WHERE city_id = $1 AND created_at > $2
		ORDER BY created_at DESC
	`, cityID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]dedupe.ReportRow, 0)
	for rows.Next() {
		var row dedupe.ReportRow
		var userID sql.NullString
		if err := rows.Scan(&row.ID, &row.ImageURL, &row.LocationJSON, &row.Description, &row.Size, &row.Status, &row.CreatedAt, &userID); err != nil {
			return nil, err
		}
		if userID.Valid {
			row.UserID = &userID.String
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *pgReportStore) FindSimilar(ctx context.Context, query dedupe.SimilarityQuery) ([]dedupe.RankedRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, image_url, location, description, size, status, created_at, user_id, username, similarity_score
		FROM find_similar_reports($1, $2, $3, $4, $5, $6, $7)
	`,
		query.Latitude,
		query.Longitude,
		query.CityID,
		pgvector.NewVector(dedupe.Float32s(query.Vector)),
		query.RadiusMeters,
		query.Days,
		query.Threshold,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]dedupe.RankedRow, 0)
	for rows.Next() {
		var row dedupe.RankedRow
		var userID, username sql.NullString
		if err := rows.Scan(
			&row.ID,
			&row.ImageURL,
			&row.LocationJSON,
			&row.Description,
			&row.Size,
			&row.Status,
			&row.CreatedAt,
			&userID,
			&username,
			&row.SimilarityScore,
		); err != nil {
			return nil, err
		}
		if userID.Valid {
			row.UserID = &userID.String
		}
		if username.Valid {
			row.Username = &username.String
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *pgReportStore) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return names, nil
	}

	placeholders := make([]string, 0, len(userIDs))
	args := make([]any, 0, len(userIDs))
	for i, id := range userIDs {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username FROM profiles
		WHERE username IS NOT NULL AND id IN (`+strings.Join(placeholders, ", ")+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, username string
		if err := rows.Scan(&id, &username); err != nil {
			return nil, err
		}
		names[id] = username
	}
	return names, rows.Err()
}
