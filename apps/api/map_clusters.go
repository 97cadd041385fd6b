package main

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"

	"dumpwatch/libs/dedupe"

	"github.com/gin-gonic/gin"
	"github.com/golang/geo/r1"
	"github.com/golang/geo/r3"
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

const (
	clusterExpectedCells = 16
	clusterMinLevel      = 2
	clusterMaxLevel      = 18
	// cells holding this many reports or fewer are returned as single pins
	clusterMinReports   = 3
	mapClusterRowsLimit = 5000
)

type mapViewport struct {
	LatMin float64
	LatMax float64
	LngMin float64
	LngMax float64
}

func (vp mapViewport) center() s2.LatLng {
	return s2.LatLngFromDegrees((vp.LatMin+vp.LatMax)/2, (vp.LngMin+vp.LngMax)/2)
}

type mapPoint struct {
	ReportID  string
	Latitude  float64
	Longitude float64
	Status    string
}

// MapCluster is either an aggregate of nearby reports or a single report pin
// when ReportID is set.
type MapCluster struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Count     int     `json:"count"`
	ReportID  string  `json:"report_id,omitempty"`
	Status    string  `json:"status,omitempty"`
}

func parseMapViewport(c *gin.Context) (mapViewport, error) {
	invalid := &apiError{Status: http.StatusBadRequest, Code: "invalid_viewport", Message: "lat_min, lat_max, lng_min and lng_max are required"}
	values := make([]float64, 0, 4)
	for _, key := range []string{"lat_min", "lat_max", "lng_min", "lng_max"} {
		raw := strings.TrimSpace(c.Query(key))
		if raw == "" {
			return mapViewport{}, invalid
		}
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return mapViewport{}, invalid
		}
		values = append(values, parsed)
	}
	vp := mapViewport{LatMin: values[0], LatMax: values[1], LngMin: values[2], LngMax: values[3]}
	if vp.LatMin < -90 || vp.LatMax > 90 || vp.LngMin < -180 || vp.LngMax > 180 || vp.LatMin >= vp.LatMax || vp.LngMin >= vp.LngMax {
		return mapViewport{}, &apiError{Status: http.StatusBadRequest, Code: "invalid_viewport", Message: "Viewport bounds are out of range"}
	}
	return vp, nil
}

// clusterLevel picks the deepest S2 level at which the viewport is covered by
// about clusterExpectedCells cells.
func clusterLevel(vp mapViewport) int {
	// Viewports never cross the antimeridian, so the longitude interval is
	// built from its endpoints rather than by growing a rect point by point.
	rect := s2.Rect{
		Lat: r1.Interval{Lo: vp.LatMin * s1.Degree.Radians(), Hi: vp.LatMax * s1.Degree.Radians()},
		Lng: s1.IntervalFromEndpoints(vp.LngMin*s1.Degree.Radians(), vp.LngMax*s1.Degree.Radians()),
	}
	area := rect.Area()

	center := s2.CellIDFromLatLng(vp.center())
	for level := clusterMaxLevel; level >= clusterMinLevel; level-- {
		cell := s2.CellFromCellID(center.Parent(level))
		if area/cell.ApproxArea() < clusterExpectedCells {
			return level
		}
	}
	return clusterMinLevel
}

type cellGroup struct {
	points []mapPoint
	sum    r3.Vector
}

func clusterMapPoints(vp mapViewport, points []mapPoint) []MapCluster {
	level := clusterLevel(vp)
	groups := make(map[s2.CellID]*cellGroup)
	for _, point := range points {
		ll := s2.LatLngFromDegrees(point.Latitude, point.Longitude)
		cell := s2.CellIDFromLatLng(ll).Parent(level)
		group, ok := groups[cell]
		if !ok {
			group = &cellGroup{}
			groups[cell] = group
		}
		group.points = append(group.points, point)
		group.sum = group.sum.Add(s2.PointFromLatLng(ll).Vector)
	}

	out := make([]MapCluster, 0, len(groups))
	for _, group := range groups {
		if len(group.points) <= clusterMinReports {
			for _, point := range group.points {
				out = append(out, MapCluster{
					Latitude:  point.Latitude,
					Longitude: point.Longitude,
					Count:     1,
					ReportID:  point.ReportID,
					Status:    point.Status,
				})
			}
			continue
		}
		centroid := s2.LatLngFromPoint(s2.Point{Vector: group.sum.Normalize()})
		out = append(out, MapCluster{
			Latitude:  centroid.Lat.Degrees(),
			Longitude: centroid.Lng.Degrees(),
			Count:     len(group.points),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Latitude != out[j].Latitude {
			return out[i].Latitude < out[j].Latitude
		}
		return out[i].Longitude < out[j].Longitude
	})
	return out
}

func (a *App) listMapPoints(ctx context.Context, vp mapViewport, status string) ([]mapPoint, error) {
	query := `
		SELECT id::text, (location->>'latitude')::float8, (location->>'longitude')::float8, status
		FROM reports
		WHERE location->>'latitude' IS NOT NULL
		  AND location->>'longitude' IS NOT NULL
		  AND (location->>'latitude')::float8 BETWEEN $1 AND $2
		  AND (location->>'longitude')::float8 BETWEEN $3 AND $4
	`
	args := []any{vp.LatMin, vp.LatMax, vp.LngMin, vp.LngMax}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", mapClusterRowsLimit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []mapPoint{}
	for rows.Next() {
		var point mapPoint
		if err := rows.Scan(&point.ReportID, &point.Latitude, &point.Longitude, &point.Status); err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	return points, rows.Err()
}

func (a *App) mapClustersHandler(c *gin.Context) {
	vp, err := parseMapViewport(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	status := strings.TrimSpace(c.Query("status"))
	if status != "" && !slices.Contains(dedupe.ReportStatuses, status) {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_status", Message: "Invalid status filter"})
		return
	}

	points, err := a.listMapPoints(c.Request.Context(), vp, status)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"level":    clusterLevel(vp),
		"clusters": clusterMapPoints(vp, points),
	})
}
