package main

import (
	"context"
	"errors"
	"fmt"

	"dumpwatch/libs/dedupe"
)

const (
	defaultReportsPageSize = 20
	maxReportsPageSize     = 100
)

type PaginatedReports struct {
	Reports     []Report `json:"reports"`
	TotalCount  int      `json:"total_count"`
	TotalPages  int      `json:"total_pages"`
	CurrentPage int      `json:"current_page"`
	PageSize    int      `json:"page_size"`
}

// totalCountScanner reads the trailing COUNT(*) OVER() column after the report columns.
type totalCountScanner struct {
	rows  rowScanner
	total *int
}

func (s totalCountScanner) Scan(dest ...any) error {
	return s.rows.Scan(append(dest, s.total)...)
}

func (a *App) listReportsPaginated(ctx context.Context, filters map[string]any, page, pageSize int) (*PaginatedReports, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultReportsPageSize
	}
	if pageSize > maxReportsPageSize {
		pageSize = maxReportsPageSize
	}

	query, args := buildReportsPageQuery(filters, page, pageSize)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := []Report{}
	totalCount := 0
	scanner := totalCountScanner{rows: rows, total: &totalCount}

	for rows.Next() {
		report, err := scanReport(scanner)
		if err != nil {
			if errors.Is(err, dedupe.ErrMalformedRow) {
				dedupe.RowsRejectedTotal.Inc()
				a.log.Warn("skipping malformed report row", "err", err)
				continue
			}
			return nil, err
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	totalPages := 0
	if totalCount > 0 {
		totalPages = (totalCount + pageSize - 1) / pageSize
	}

	return &PaginatedReports{
		Reports:     reports,
		TotalCount:  totalCount,
		TotalPages:  totalPages,
		CurrentPage: page,
		PageSize:    pageSize,
	}, nil
}

func buildReportsPageQuery(filters map[string]any, page, pageSize int) (string, []any) {
	query := `
		SELECT
			reports.id, reports.image_url, reports.image_key, reports.location, reports.city_id,
			reports.description, reports.size, reports.status, reports.user_id,
			reports.created_at, reports.updated_at,
			COUNT(*) OVER() as total_count
		FROM reports
		WHERE 1=1
	`
	whereClause, args := buildReportFilters(filters)
	query += whereClause
	argIndex := len(args) + 1

	sortBy, _ := filters["sort"].(string)
	if sortBy == "oldest" {
		query += " ORDER BY reports.created_at ASC"
	} else {
		query += " ORDER BY reports.created_at DESC"
	}

	offset := (page - 1) * pageSize
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, pageSize, offset)

	return query, args
}
