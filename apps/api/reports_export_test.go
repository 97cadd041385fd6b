package main

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dumpwatch/libs/dedupe"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exportFixtures() []Report {
	cityID := testCityID
	return []Report{
		{
			ID:          "r-1",
			CreatedAt:   "2026-10-17T08:30:00Z",
			Status:      dedupe.StatusPending,
			Size:        "medium",
			Location:    dedupe.Location{Neighborhood: "Belleville", Latitude: floatPtr(48.8721), Longitude: floatPtr(2.3789)},
			CityID:      &cityID,
			Description: "Gravats, \"encombrants\"",
			ImageURL:    "https://cdn.test/r-1.jpg",
		},
		{
			ID:        "r-2",
			CreatedAt: "2026-10-16T11:00:00Z",
			Status:    dedupe.StatusResolved,
			Size:      "small",
			Location:  dedupe.Location{Neighborhood: dedupe.UnknownNeighborhood},
		},
	}
}

func TestBuildReportsCSV(t *testing.T) {
	data, err := buildReportsCSV(exportFixtures())
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "report_id", records[0][0])
	assert.Equal(t, []string{"r-1", "2026-10-17T08:30:00Z", "pending", "medium", "Belleville", "48.872100", "2.378900", testCityID, "Gravats, \"encombrants\"", "https://cdn.test/r-1.jpg"}, records[1])
	assert.Equal(t, "", records[2][5], "reports without coordinates export empty cells")
	assert.Equal(t, "", records[2][7])
}

func TestBuildReportsGeoJSONSkipsReportsWithoutCoordinates(t *testing.T) {
	data, err := buildReportsGeoJSON(exportFixtures())
	require.NoError(t, err)

	var collection struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(data, &collection))
	assert.Equal(t, "FeatureCollection", collection.Type)
	require.Len(t, collection.Features, 1)
	assert.Equal(t, []float64{2.3789, 48.8721}, collection.Features[0].Geometry.Coordinates)
	assert.Equal(t, "r-1", collection.Features[0].Properties["report_id"])
}

func TestOperatorExportReportsHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app, mock := newMockApp(t)
	app.now = fixedClock(time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC))
	router := app.newRouter()

	mock.ExpectQuery(`FROM reports\s+WHERE 1=1 AND reports.status = \$1 ORDER BY reports.created_at DESC LIMIT 10000`).
		WithArgs(dedupe.StatusPending).
		WillReturnRows(reportRow(existingReportID, dedupe.StatusPending))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodGet, "/api/v1/operator/reports/export?format=csv&status=pending", ""))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, `attachment; filename="signalements-20261018.csv"`, rec.Header().Get("Content-Disposition"))
	assert.Contains(t, rec.Body.String(), existingReportID)
	assert.NoError(t, mock.ExpectationsWereMet())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodGet, "/api/v1/operator/reports/export?format=xlsx", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
