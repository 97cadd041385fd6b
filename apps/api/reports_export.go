package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dumpwatch/libs/dedupe"

	"github.com/gin-gonic/gin"
)

const maxExportRows = 10000

func (a *App) listReportsForExport(ctx context.Context, filters map[string]any) ([]Report, error) {
	whereClause, args := buildReportFilters(filters)
	query := reportSelect + " WHERE 1=1" + whereClause + fmt.Sprintf(" ORDER BY reports.created_at DESC LIMIT %d", maxExportRows)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := []Report{}
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			dedupe.RowsRejectedTotal.Inc()
			a.log.Warn("skipping malformed report in export", "err", err)
			continue
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

func formatCoordinate(value *float64) string {
	if value == nil {
		return ""
	}
	return fmt.Sprintf("%f", *value)
}

func buildReportsCSV(reports []Report) ([]byte, error) {
	buffer := bytes.NewBuffer(nil)
	writer := csv.NewWriter(buffer)
	headers := []string{"report_id", "created_at", "status", "size", "neighborhood", "lat", "lng", "city_id", "description", "image_url"}
	if err := writer.Write(headers); err != nil {
		return nil, err
	}
	for _, report := range reports {
		cityID := ""
		if report.CityID != nil {
			cityID = *report.CityID
		}
		row := []string{
			report.ID,
			report.CreatedAt,
			report.Status,
			report.Size,
			report.Location.Neighborhood,
			formatCoordinate(report.Location.Latitude),
			formatCoordinate(report.Location.Longitude),
			cityID,
			report.Description,
			report.ImageURL,
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// buildReportsGeoJSON leaves out reports filed without coordinates.
func buildReportsGeoJSON(reports []Report) ([]byte, error) {
	features := make([]map[string]any, 0, len(reports))
	for _, report := range reports {
		if !report.Location.HasCoordinates() {
			continue
		}
		features = append(features, map[string]any{
			"type": "Feature",
			"geometry": map[string]any{
				"type":        "Point",
				"coordinates": []float64{*report.Location.Longitude, *report.Location.Latitude},
			},
			"properties": map[string]any{
				"report_id":    report.ID,
				"created_at":   report.CreatedAt,
				"status":       report.Status,
				"size":         report.Size,
				"neighborhood": report.Location.Neighborhood,
				"city_id":      report.CityID,
			},
		})
	}
	payload := map[string]any{"type": "FeatureCollection", "features": features}
	return json.MarshalIndent(payload, "", "  ")
}

func (a *App) operatorExportReportsHandler(c *gin.Context) {
	format := strings.ToLower(strings.TrimSpace(c.DefaultQuery("format", "csv")))
	if format != "csv" && format != "geojson" {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_format", Message: "format must be csv or geojson"})
		return
	}
	filters, err := parseReportListFilters(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	reports, err := a.listReportsForExport(c.Request.Context(), filters)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	var data []byte
	contentType := "text/csv; charset=utf-8"
	if format == "geojson" {
		data, err = buildReportsGeoJSON(reports)
		contentType = "application/geo+json"
	} else {
		data, err = buildReportsCSV(reports)
	}
	if err != nil {
		writeAPIError(c, err)
		return
	}

	filename := fmt.Sprintf("signalements-%s.%s", exportTimestamp(a.clock()), format)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, contentType, data)
}

func exportTimestamp(now time.Time) string {
	return now.UTC().Format("20060102")
}
