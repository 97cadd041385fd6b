package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"dumpwatch/libs/dedupe"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	reportStatusCreated            = "created"
	reportStatusAwaitingResolution = "awaiting_resolution"
)

type PhotoUpload struct {
	Name     string
	MimeType string
	Bytes    []byte
}

// ReportIntake is a validated citizen submission before upload.
type ReportIntake struct {
	Photo       PhotoUpload
	Location    dedupe.Location
	CityID      string
	Description string
	Size        string
	UserID      *string
	OwnerHash   string
	IP          string
}

type ReportCreateResponse struct {
	Status         string                 `json:"status"`
	Report         *Report                `json:"report,omitempty"`
	SubmissionID   string                 `json:"submission_id,omitempty"`
	ExpiresAt      string                 `json:"expires_at,omitempty"`
	SimilarReports []dedupe.SimilarReport `json:"similar_reports"`
	HasDuplicates  bool                   `json:"has_duplicates"`
}

func (a *App) operatorLoginHandler(c *gin.Context) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid login payload"})
		return
	}
	payload.Email = strings.ToLower(strings.TrimSpace(payload.Email))

	now := a.clock()
	if !a.checkRateLimit("login:"+c.ClientIP(), reportRateLimitRequests, reportRateLimitWindow, now) {
		writeAPIError(c, &apiError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "Too many login attempts. Please retry later."})
		return
	}

	role, err := a.storeAuthenticateOperator(c.Request.Context(), payload.Email, payload.Password)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	if err := a.startOperatorSession(c, OperatorSession{Email: payload.Email, Role: role}); err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": payload.Email, "role": role})
}

func (a *App) operatorLogoutHandler(c *gin.Context) {
	a.clearOperatorSession(c)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *App) operatorSessionHandler(c *gin.Context) {
	token, err := c.Cookie(operatorCookieName)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Operator session required"})
		return
	}
	session, err := a.verifyOperatorSessionToken(token)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Operator session required"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (a *App) authenticateOperatorCredentials(ctx context.Context, email string, password string) (string, error) {
	var passwordHash sql.NullString
	var role string
	var isActive bool
	err := a.db.QueryRowContext(ctx, `
		SELECT password_hash, role, is_active
		FROM operators
		WHERE email = $1
	`, email).Scan(&passwordHash, &role, &isActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", &apiError{Status: http.StatusUnauthorized, Code: "invalid_credentials", Message: "Invalid credentials"}
		}
		return "", err
	}
	if !passwordHash.Valid || !isActive || bcrypt.CompareHashAndPassword([]byte(passwordHash.String), []byte(password)) != nil {
		return "", &apiError{Status: http.StatusUnauthorized, Code: "invalid_credentials", Message: "Invalid credentials"}
	}
	return role, nil
}

func (a *App) startOperatorSession(c *gin.Context, session OperatorSession) error {
	token, err := a.createOperatorSessionToken(session)
	if err != nil {
		return err
	}
	secure := strings.EqualFold(a.cfg.Env, "production")
	c.SetCookie(operatorCookieName, token, int(operatorSessionDuration.Seconds()), "/", "", secure, true)
	return nil
}

func (a *App) clearOperatorSession(c *gin.Context) {
	secure := strings.EqualFold(a.cfg.Env, "production")
	c.SetCookie(operatorCookieName, "", -1, "/", "", secure, true)
}

func (a *App) ensureAnonymousReporterIdentity(c *gin.Context) string {
	anonymousID, err := c.Cookie(anonReporterCookieName)
	if err != nil || strings.TrimSpace(anonymousID) == "" {
		anonymousID = uuid.NewString()
		secure := strings.EqualFold(a.cfg.Env, "production")
		c.SetCookie(anonReporterCookieName, anonymousID, int(anonReporterCookieMaxAge.Seconds()), "/", "", secure, true)
	}
	return a.deriveReporterHash(anonymousID)
}

// requestReporterHash identifies the caller without issuing a new cookie.
func (a *App) requestReporterHash(c *gin.Context) string {
	anonymousID, err := c.Cookie(anonReporterCookieName)
	if err != nil || strings.TrimSpace(anonymousID) == "" {
		return ""
	}
	return a.deriveReporterHash(anonymousID)
}

func (a *App) requestUserID(c *gin.Context) *string {
	token, err := c.Cookie(userCookieName)
	if err != nil {
		return nil
	}
	session, err := a.verifyUserSessionToken(token)
	if err != nil {
		return nil
	}
	return &session.UserID
}

func parseOptionalCoordinate(raw string, bound float64, field string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) || value < -bound || value > bound {
		return nil, &apiError{Status: http.StatusBadRequest, Code: "invalid_location", Message: fmt.Sprintf("Invalid %s", field)}
	}
	return &value, nil
}

func parseReportIntake(c *gin.Context) (ReportIntake, error) {
	var intake ReportIntake

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes+(1<<20))
	if err := c.Request.ParseMultipartForm(maxUploadBytes + (1 << 20)); err != nil {
		return intake, &apiError{Status: http.StatusBadRequest, Code: "invalid_multipart", Message: "Invalid multipart form"}
	}

	fileHeader, err := c.FormFile("photo")
	if err != nil {
		return intake, &apiError{Status: http.StatusBadRequest, Code: "missing_photo", Message: "A photo is required"}
	}
	opened, err := fileHeader.Open()
	if err != nil {
		return intake, err
	}
	data, readErr := io.ReadAll(io.LimitReader(opened, maxUploadBytes+1))
	_ = opened.Close()
	if readErr != nil {
		return intake, readErr
	}
	photo, err := validatePhoto(fileHeader.Filename, data)
	if err != nil {
		return intake, err
	}
	intake.Photo = photo

	lat, err := parseOptionalCoordinate(c.PostForm("lat"), 90, "latitude")
	if err != nil {
		return intake, err
	}
	lng, err := parseOptionalCoordinate(c.PostForm("lng"), 180, "longitude")
	if err != nil {
		return intake, err
	}
	if (lat == nil) != (lng == nil) {
		return intake, &apiError{Status: http.StatusBadRequest, Code: "invalid_location", Message: "Latitude and longitude must be sent together"}
	}
	intake.Location = dedupe.Location{
		Neighborhood: strings.TrimSpace(c.PostForm("neighborhood")),
		Latitude:     lat,
		Longitude:    lng,
	}

	intake.CityID = strings.TrimSpace(c.PostForm("city_id"))
	intake.Description = strings.TrimSpace(c.PostForm("description"))
	intake.Size = strings.TrimSpace(c.PostForm("size"))

	return intake, validateReportIntake(intake)
}

func validatePhoto(name string, data []byte) (PhotoUpload, error) {
	if len(data) == 0 {
		return PhotoUpload{}, &apiError{Status: http.StatusBadRequest, Code: "missing_photo", Message: "A photo is required"}
	}
	if len(data) > maxUploadBytes {
		return PhotoUpload{}, &apiError{Status: http.StatusBadRequest, Code: "photo_too_large", Message: "Photo exceeds upload size limit"}
	}
	mimeType := strings.ToLower(strings.TrimSpace(strings.Split(http.DetectContentType(data), ";")[0]))
	if _, ok := allowedImageTypes[mimeType]; !ok {
		return PhotoUpload{}, &apiError{Status: http.StatusBadRequest, Code: "invalid_photo_type", Message: "Photo must be a JPEG, PNG or GIF image"}
	}
	return PhotoUpload{Name: strings.TrimSpace(name), MimeType: mimeType, Bytes: data}, nil
}

func validateReportIntake(intake ReportIntake) error {
	if intake.CityID == "" {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_city", Message: "A city is required"}
	}
	if _, err := uuid.Parse(intake.CityID); err != nil {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_city", Message: "City is invalid"}
	}
	if intake.Description == "" {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_description", Message: "A description is required"}
	}
	if len([]rune(intake.Description)) > maxDescriptionLength {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_description", Message: "Description exceeds max length"}
	}
	if len([]rune(intake.Location.Neighborhood)) > maxNeighborhoodLength {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_location", Message: "Neighborhood exceeds max length"}
	}
	if !slices.Contains(dedupe.ReportSizes, intake.Size) {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_size", Message: "Size must be one of small, medium, large, very_large"}
	}
	return nil
}

func buildImageObjectKey(now time.Time, mimeType string) string {
	return fmt.Sprintf("reports/%d-%s%s", now.UnixMilli(), uuid.NewString(), allowedImageTypes[mimeType])
}

func reportActor(userID *string) string {
	if userID != nil {
		return "citizen_authenticated"
	}
	return "citizen_anonymous"
}

func (a *App) createReportHandler(c *gin.Context) {
	intake, err := parseReportIntake(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	intake.OwnerHash = a.ensureAnonymousReporterIdentity(c)
	intake.IP = c.ClientIP()
	if !strings.EqualFold(c.PostForm("anonymous"), "true") {
		intake.UserID = a.requestUserID(c)
	}

	status, response, err := a.createReport(c.Request.Context(), intake)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(status, response)
}

// createReport uploads the photo, runs the duplicate check and either files
// the report or parks it until the reporter resolves the duplicates.
func (a *App) createReport(ctx context.Context, intake ReportIntake) (int, ReportCreateResponse, error) {
	now := a.clock()
	if !a.checkRateLimit("report:"+intake.IP, reportRateLimitRequests, reportRateLimitWindow, now) {
		return 0, ReportCreateResponse{}, &apiError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "Too many reports from this IP. Please retry later."}
	}

	exists, err := a.storeCityExists(ctx, intake.CityID)
	if err != nil {
		return 0, ReportCreateResponse{}, err
	}
	if !exists {
		return 0, ReportCreateResponse{}, &apiError{Status: http.StatusBadRequest, Code: "invalid_city", Message: "Unknown city"}
	}

	if !intake.Location.HasCoordinates() {
		if lat, lng, ok := coordinatesFromPhoto(intake.Photo.Bytes); ok {
			intake.Location.Latitude = &lat
			intake.Location.Longitude = &lng
		}
	}

	key := buildImageObjectKey(now, intake.Photo.MimeType)
	imageURL, err := a.objects.Put(ctx, key, intake.Photo.Bytes, intake.Photo.MimeType)
	if err != nil {
		a.log.Error("photo upload failed", "key", key, "err", err)
		return 0, ReportCreateResponse{}, &apiError{Status: http.StatusBadGateway, Code: "upload_failed", Message: "Photo upload failed. Please retry."}
	}

	result := dedupe.Result{SimilarReports: []dedupe.SimilarReport{}}
	if intake.Location.HasCoordinates() {
		result = a.detector.Check(ctx, dedupe.Candidate{
			ImageRef:  imageURL,
			Latitude:  intake.Location.Latitude,
			Longitude: intake.Location.Longitude,
			CityID:    intake.CityID,
		})
	}

	if result.HasDuplicates {
		var resolution dedupe.Resolution
		if err := resolution.Await(result); err != nil {
			a.releaseImage(ctx, key, releaseReasonPersistFailed)
			return 0, ReportCreateResponse{}, err
		}

		sub := PendingSubmission{
			ID:             uuid.NewString(),
			ImageURL:       imageURL,
			ImageKey:       key,
			Location:       intake.Location,
			CityID:         intake.CityID,
			Description:    intake.Description,
			Size:           intake.Size,
			UserID:         intake.UserID,
			OwnerHash:      intake.OwnerHash,
			SimilarReports: result.SimilarReports,
			CreatedAt:      now,
			ExpiresAt:      now.Add(a.cfg.PendingTTL),
		}
		if err := a.pending.Save(ctx, sub); err != nil {
			a.releaseImage(ctx, key, releaseReasonPersistFailed)
			return 0, ReportCreateResponse{}, err
		}

		a.log.Info("submission awaiting resolution", "submission_id", sub.ID, "candidates", len(sub.SimilarReports))
		return http.StatusAccepted, ReportCreateResponse{
			Status:         reportStatusAwaitingResolution,
			SubmissionID:   sub.ID,
			ExpiresAt:      sub.ExpiresAt.Format(time.RFC3339),
			SimilarReports: sub.SimilarReports,
			HasDuplicates:  true,
		}, nil
	}

	report, err := a.persistReport(ctx, NewReport{
		ImageURL:    imageURL,
		ImageKey:    key,
		Location:    intake.Location,
		CityID:      intake.CityID,
		Description: intake.Description,
		Size:        intake.Size,
		UserID:      intake.UserID,
		Actor:       reportActor(intake.UserID),
		Metadata:    map[string]any{"duplicate_check": "clear"},
	})
	if err != nil {
		a.releaseImage(ctx, key, releaseReasonPersistFailed)
		return 0, ReportCreateResponse{}, err
	}

	return http.StatusCreated, ReportCreateResponse{
		Status:         reportStatusCreated,
		Report:         report,
		SimilarReports: result.SimilarReports,
		HasDuplicates:  false,
	}, nil
}

// persistReport files a report whose image is already uploaded. The caller
// owns the image on failure.
func (a *App) persistReport(ctx context.Context, input NewReport) (*Report, error) {
	if strings.TrimSpace(input.Location.Neighborhood) == "" {
		input.Location.Neighborhood = dedupe.UnknownNeighborhood
	}

	report, err := a.storeInsertReport(ctx, input)
	if err != nil {
		return nil, err
	}
	a.recordStat(ctx, statContribution)

	if report.Location.HasCoordinates() && report.Location.Neighborhood == dedupe.UnknownNeighborhood {
		a.scheduleNeighborhoodBackfill(report.ID)
	}
	return report, nil
}

func parsePositiveIntQuery(c *gin.Context, key string, fallback int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	return value
}

func parseReportListFilters(c *gin.Context) (map[string]any, error) {
	filters := map[string]any{}
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		if !slices.Contains(dedupe.ReportStatuses, status) {
			return nil, &apiError{Status: http.StatusBadRequest, Code: "invalid_status", Message: "Unknown status filter"}
		}
		filters["status"] = status
	}
	if size := strings.TrimSpace(c.Query("size")); size != "" {
		if !slices.Contains(dedupe.ReportSizes, size) {
			return nil, &apiError{Status: http.StatusBadRequest, Code: "invalid_size", Message: "Unknown size filter"}
		}
		filters["size"] = size
	}
	if cityID := strings.TrimSpace(c.Query("city_id")); cityID != "" {
		if _, err := uuid.Parse(cityID); err != nil {
			return nil, &apiError{Status: http.StatusBadRequest, Code: "invalid_city", Message: "City is invalid"}
		}
		filters["city_id"] = cityID
	}
	for _, key := range []string{"from", "to"} {
		raw := strings.TrimSpace(c.Query(key))
		if raw == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", raw); err != nil {
			if _, err := time.Parse(time.RFC3339, raw); err != nil {
				return nil, &apiError{Status: http.StatusBadRequest, Code: "invalid_date", Message: key + " must be a date (YYYY-MM-DD) or RFC3339 timestamp"}
			}
		}
		filters[key] = raw
	}
	if q := strings.TrimSpace(c.Query("q")); q != "" {
		filters["q"] = q
	}
	if sort := strings.TrimSpace(c.Query("sort")); sort != "" {
		filters["sort"] = sort
	}
	return filters, nil
}

func (a *App) listReportsHandler(c *gin.Context) {
	filters, err := parseReportListFilters(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	page := parsePositiveIntQuery(c, "page", 1)
	pageSize := parsePositiveIntQuery(c, "page_size", defaultReportsPageSize)

	result, err := a.listReportsPaginated(c.Request.Context(), filters, page, pageSize)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *App) reportDetailsHandler(c *gin.Context) {
	reportID := strings.TrimSpace(c.Param("id"))
	if _, err := uuid.Parse(reportID); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Report not found"})
		return
	}
	report, err := a.storeGetReport(c.Request.Context(), reportID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if report == nil {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Report not found"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *App) reportStatusStatsHandler(c *gin.Context) {
	rows, err := a.db.QueryContext(c.Request.Context(), `SELECT status, COUNT(*) FROM reports GROUP BY status`)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	defer rows.Close()

	counts := map[string]int{}
	for _, status := range dedupe.ReportStatuses {
		counts[status] = 0
	}
	total := 0
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			writeAPIError(c, err)
			return
		}
		counts[status] = count
		total += count
	}
	if err := rows.Err(); err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "by_status": counts})
}

func (a *App) citiesHandler(c *gin.Context) {
	cities, err := a.listCities(c.Request.Context())
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, cities)
}

func (a *App) operatorReportEventsHandler(c *gin.Context) {
	events, err := a.listEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (a *App) operatorUpdateStatusHandler(c *gin.Context) {
	session, err := getOperatorSession(c)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Operator session required"})
		return
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil || !slices.Contains(dedupe.ReportStatuses, payload.Status) {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_status", Message: "Unknown status"})
		return
	}

	report, err := a.updateReportStatus(c.Request.Context(), c.Param("id"), payload.Status, "operator:"+session.Email)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if report == nil {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Report not found"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *App) operatorDeleteReportHandler(c *gin.Context) {
	session, _ := getOperatorSession(c)

	imageKey, found, err := a.deleteReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if !found {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Report not found"})
		return
	}
	a.releaseImage(c.Request.Context(), imageKey, releaseReasonReportDeleted)
	a.log.Info("report deleted", "id", c.Param("id"), "operator", session.Email)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
