package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	statVisit        = "visit"
	statInteraction  = "interaction"
	statContribution = "contribution"

	defaultAnalyticsDays = 30
	maxAnalyticsDays     = 365
)

var statColumns = map[string]string{
	statVisit:        "visits",
	statInteraction:  "interactions",
	statContribution: "contributions",
}

type DailyStats struct {
	Day           string `json:"day"`
	Visits        int    `json:"visits"`
	Interactions  int    `json:"interactions"`
	Contributions int    `json:"contributions"`
}

type AnalyticsSummary struct {
	Days               int          `json:"days"`
	TotalVisits        int          `json:"total_visits"`
	TotalInteractions  int          `json:"total_interactions"`
	TotalContributions int          `json:"total_contributions"`
	Daily              []DailyStats `json:"daily"`
}

func (a *App) incrementStat(ctx context.Context, kind string) error {
	column, ok := statColumns[kind]
	if !ok {
		return fmt.Errorf("unknown stat type %q", kind)
	}
	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO analytics_stats (day, %[1]s)
		VALUES (CURRENT_DATE, 1)
		ON CONFLICT (day) DO UPDATE SET %[1]s = analytics_stats.%[1]s + 1
	`, column))
	return err
}

// recordStat never fails the request it is counting.
func (a *App) recordStat(ctx context.Context, kind string) {
	if a.storeRecordStat == nil {
		return
	}
	if err := a.storeRecordStat(ctx, kind); err != nil {
		a.log.Warn("failed to record stat", "kind", kind, "err", err)
	}
}

func (a *App) recordStatHandler(c *gin.Context) {
	kind := strings.TrimSpace(c.Param("kind"))
	if kind != statVisit && kind != statInteraction {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Unknown stat type"})
		return
	}
	if !a.checkRateLimit("stats:"+kind+":"+c.ClientIP(), statsRateLimitRequests, statsRateLimitWindow, a.clock()) {
		writeAPIError(c, &apiError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "Too many requests"})
		return
	}
	if err := a.storeRecordStat(c.Request.Context(), kind); err != nil {
		writeAPIError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *App) getAnalyticsSummary(ctx context.Context, days int, now time.Time) (*AnalyticsSummary, error) {
	since := now.UTC().AddDate(0, 0, -(days - 1)).Format("2006-01-02")
	rows, err := a.db.QueryContext(ctx, `
		SELECT day, visits, interactions, contributions
		FROM analytics_stats
		WHERE day >= $1
		ORDER BY day ASC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := &AnalyticsSummary{Days: days, Daily: []DailyStats{}}
	for rows.Next() {
		var day time.Time
		var stats DailyStats
		if err := rows.Scan(&day, &stats.Visits, &stats.Interactions, &stats.Contributions); err != nil {
			return nil, err
		}
		stats.Day = day.Format("2006-01-02")
		summary.TotalVisits += stats.Visits
		summary.TotalInteractions += stats.Interactions
		summary.TotalContributions += stats.Contributions
		summary.Daily = append(summary.Daily, stats)
	}
	return summary, rows.Err()
}

func (a *App) analyticsSummaryHandler(c *gin.Context) {
	days := defaultAnalyticsDays
	if raw := strings.TrimSpace(c.Query("days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxAnalyticsDays {
			writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_days", Message: "days must be between 1 and 365"})
			return
		}
		days = parsed
	}

	summary, err := a.getAnalyticsSummary(c.Request.Context(), days, a.clock())
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
