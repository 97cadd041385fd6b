package main

import "fmt"

func buildReportFilters(filters map[string]any) (string, []any) {
	whereClause := ""
	args := make([]any, 0)
	argIndex := 1

	if status, ok := filters["status"].(string); ok && status != "" {
		whereClause += fmt.Sprintf(" AND reports.status = $%d", argIndex)
		args = append(args, status)
		argIndex++
	}
	if size, ok := filters["size"].(string); ok && size != "" {
		whereClause += fmt.Sprintf(" AND reports.size = $%d", argIndex)
		args = append(args, size)
		argIndex++
	}
	if cityID, ok := filters["city_id"].(string); ok && cityID != "" {
		whereClause += fmt.Sprintf(" AND reports.city_id = $%d", argIndex)
		args = append(args, cityID)
		argIndex++
	}
	if from, ok := filters["from"].(string); ok && from != "" {
		whereClause += fmt.Sprintf(" AND reports.created_at >= $%d", argIndex)
		args = append(args, from)
		argIndex++
	}
	if to, ok := filters["to"].(string); ok && to != "" {
		whereClause += fmt.Sprintf(" AND reports.created_at <= $%d", argIndex)
		args = append(args, to)
		argIndex++
	}
	if search, ok := filters["q"].(string); ok && search != "" {
		whereClause += fmt.Sprintf(" AND (reports.description ILIKE $%d OR reports.location->>'neighborhood' ILIKE $%d)", argIndex, argIndex)
		args = append(args, "%"+search+"%")
		argIndex++
	}

	return whereClause, args
}
