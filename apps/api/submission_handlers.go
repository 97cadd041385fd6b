package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"dumpwatch/libs/dedupe"

	"github.com/gin-gonic/gin"
)

var errSubmissionNotFound = &apiError{Status: http.StatusNotFound, Code: "submission_not_found", Message: "Submission not found or already resolved"}

type submissionView struct {
	SubmissionID   string                 `json:"submission_id"`
	Status         string                 `json:"status"`
	ExpiresAt      string                 `json:"expires_at"`
	SimilarReports []dedupe.SimilarReport `json:"similar_reports"`
	HasDuplicates  bool                   `json:"has_duplicates"`
}

func (a *App) pendingSubmissionHandler(c *gin.Context) {
	sub, err := a.pending.Get(c.Request.Context(), c.Param("id"), a.clock())
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if sub == nil || !a.ownsSubmission(c, sub) {
		writeAPIError(c, errSubmissionNotFound)
		return
	}
	c.JSON(http.StatusOK, submissionView{
		SubmissionID:   sub.ID,
		Status:         string(dedupe.StateAwaitingResolution),
		ExpiresAt:      sub.ExpiresAt.Format(time.RFC3339),
		SimilarReports: sub.SimilarReports,
		HasDuplicates:  len(sub.SimilarReports) > 0,
	})
}

func (a *App) ownsSubmission(c *gin.Context, sub *PendingSubmission) bool {
	return sub.OwnerHash == "" || sub.OwnerHash == a.requestReporterHash(c)
}

// takeSubmission claims a pending submission for resolution. Exactly one
// request can claim a given submission; the others see it as not found.
func (a *App) takeSubmission(c *gin.Context) (*PendingSubmission, *dedupe.Resolution, error) {
	ctx := c.Request.Context()
	sub, err := a.pending.Take(ctx, c.Param("id"))
	if err != nil {
		return nil, nil, err
	}
	if sub == nil {
		return nil, nil, errSubmissionNotFound
	}
	if !a.ownsSubmission(c, sub) {
		a.restoreSubmission(ctx, *sub)
		return nil, nil, errSubmissionNotFound
	}
	if sub.expired(a.clock()) {
		a.releaseImage(ctx, sub.ImageKey, releaseReasonExpired)
		submissionResolutionsTotal.WithLabelValues(resolutionOutcomeExpired).Inc()
		return nil, nil, &apiError{Status: http.StatusGone, Code: "submission_expired", Message: "Submission expired, please report again"}
	}

	resolution, err := dedupe.RestoreResolution(sub.Candidates())
	if err != nil {
		a.log.Error("pending submission without candidates", "submission_id", sub.ID)
		a.releaseImage(ctx, sub.ImageKey, releaseReasonExpired)
		return nil, nil, errSubmissionNotFound
	}
	return sub, resolution, nil
}

// restoreSubmission puts a claimed submission back after a failed
// resolution so the reporter can retry.
func (a *App) restoreSubmission(ctx context.Context, sub PendingSubmission) {
	if err := a.pending.Save(ctx, sub); err != nil {
		a.log.Error("failed to restore pending submission", "submission_id", sub.ID, "err", err)
		a.releaseImage(ctx, sub.ImageKey, releaseReasonPersistFailed)
	}
}

func (a *App) contributeSubmissionHandler(c *gin.Context) {
	var payload struct {
		ReportID string `json:"report_id"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.ReportID) == "" {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "report_id is required"})
		return
	}

	sub, resolution, err := a.takeSubmission(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	ctx := c.Request.Context()

	if err := resolution.Contribute(payload.ReportID); err != nil {
		a.restoreSubmission(ctx, *sub)
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_report_choice", Message: "The chosen report is not one of the similar reports"})
		return
	}

	report, err := a.storeContribute(ctx, resolution.ChosenReportID(), Contribution{
		SubmissionID: sub.ID,
		ImageURL:     sub.ImageURL,
		UserID:       sub.UserID,
		Actor:        reportActor(sub.UserID),
	})
	if err != nil {
		a.restoreSubmission(ctx, *sub)
		writeAPIError(c, err)
		return
	}
	if report == nil {
		a.restoreSubmission(ctx, *sub)
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Report not found"})
		return
	}

	a.releaseImage(ctx, sub.ImageKey, releaseReasonContributed)
	a.recordStat(ctx, statContribution)
	submissionResolutionsTotal.WithLabelValues(resolutionOutcomeContributed).Inc()

	c.JSON(http.StatusOK, gin.H{"status": string(resolution.Outcome()), "report": report})
}

func (a *App) continueSubmissionHandler(c *gin.Context) {
	sub, resolution, err := a.takeSubmission(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	ctx := c.Request.Context()

	if err := resolution.Continue(); err != nil {
		a.restoreSubmission(ctx, *sub)
		writeAPIError(c, err)
		return
	}

	report, err := a.persistReport(ctx, NewReport{
		ImageURL:    sub.ImageURL,
		ImageKey:    sub.ImageKey,
		Location:    sub.Location,
		CityID:      sub.CityID,
		Description: sub.Description,
		Size:        sub.Size,
		UserID:      sub.UserID,
		Actor:       reportActor(sub.UserID),
		Metadata: map[string]any{
			"duplicate_check": "overridden",
			"submission_id":   sub.ID,
			"similar_reports": sub.Candidates(),
		},
	})
	if err != nil {
		a.restoreSubmission(ctx, *sub)
		writeAPIError(c, err)
		return
	}

	submissionResolutionsTotal.WithLabelValues(resolutionOutcomeSubmitted).Inc()
	c.JSON(http.StatusCreated, gin.H{"status": string(resolution.Outcome()), "report": report})
}

func (a *App) cancelSubmissionHandler(c *gin.Context) {
	sub, resolution, err := a.takeSubmission(c)
	if err != nil {
		if errors.Is(err, errSubmissionNotFound) {
			// Cancelling twice is harmless.
			c.JSON(http.StatusOK, gin.H{"status": string(dedupe.OutcomeCancelled)})
			return
		}
		writeAPIError(c, err)
		return
	}
	ctx := c.Request.Context()

	if err := resolution.Cancel(); err != nil {
		a.restoreSubmission(ctx, *sub)
		writeAPIError(c, err)
		return
	}

	a.releaseImage(ctx, sub.ImageKey, releaseReasonCancelled)
	submissionResolutionsTotal.WithLabelValues(resolutionOutcomeCancelled).Inc()
	c.JSON(http.StatusOK, gin.H{"status": string(resolution.Outcome())})
}
