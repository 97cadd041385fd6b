package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"html"
	"net/http"
	"slices"
	"strings"
	"time"

	"dumpwatch/libs/mailer"

	"github.com/gin-gonic/gin"
	"github.com/go-pdf/fpdf"
)

const (
	communicationPending    = "pending"
	communicationSent       = "sent"
	communicationReceived   = "received"
	communicationInProgress = "in_progress"
	communicationResolved   = "resolved"
	communicationFailed     = "failed"

	maxReminderIntervalDays = 365
)

var communicationStatuses = []string{
	communicationPending,
	communicationSent,
	communicationReceived,
	communicationInProgress,
	communicationResolved,
	communicationFailed,
}

// Communication tracks the outreach to one municipality about one report.
type Communication struct {
	ID                   string  `json:"id"`
	ReportID             string  `json:"report_id"`
	MunicipalityID       string  `json:"municipality_id"`
	MunicipalityName     string  `json:"municipality_name"`
	MunicipalityEmail    string  `json:"municipality_email"`
	CityName             string  `json:"city_name"`
	Status               string  `json:"status"`
	FirstContactAt       *string `json:"first_contact_at"`
	LastContactAt        *string `json:"last_contact_at"`
	NextContactAt        *string `json:"next_contact_at"`
	ContactCount         int     `json:"contact_count"`
	ReminderIntervalDays int     `json:"reminder_interval_days"`
	Notes                string  `json:"notes"`
	CreatedAt            string  `json:"created_at"`
	UpdatedAt            string  `json:"updated_at"`
}

// Place is the town named in outreach mail.
func (c Communication) Place() string {
	if strings.TrimSpace(c.CityName) != "" {
		return c.CityName
	}
	return c.MunicipalityName
}

const communicationSelect = `
	SELECT
		mc.id::text, mc.report_id::text, mc.municipality_id::text,
		m.name, m.email, COALESCE(c.name, ''),
		mc.status, mc.first_contact_at, mc.last_contact_at, mc.next_contact_at,
		mc.contact_count, mc.reminder_interval_days, mc.notes, mc.created_at, mc.updated_at
	FROM municipality_communications mc
	JOIN municipalities m ON m.id = mc.municipality_id
	LEFT JOIN cities c ON c.id = m.city_id
`

// appendNoteSQL keeps earlier notes and adds the given parameter on its own line.
func appendNoteSQL(param int) string {
	return fmt.Sprintf(`CASE WHEN $%[1]d::text = '' THEN notes WHEN notes = '' THEN $%[1]d::text ELSE notes || E'\n' || $%[1]d::text END`, param)
}

func formatTimePtr(value sql.NullTime) *string {
	if !value.Valid {
		return nil
	}
	formatted := value.Time.UTC().Format(time.RFC3339)
	return &formatted
}

func scanCommunication(scanner rowScanner) (*Communication, error) {
	var comm Communication
	var firstContact, lastContact, nextContact sql.NullTime
	var createdAt, updatedAt time.Time
	if err := scanner.Scan(
		&comm.ID,
		&comm.ReportID,
		&comm.MunicipalityID,
		&comm.MunicipalityName,
		&comm.MunicipalityEmail,
		&comm.CityName,
		&comm.Status,
		&firstContact,
		&lastContact,
		&nextContact,
		&comm.ContactCount,
		&comm.ReminderIntervalDays,
		&comm.Notes,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	comm.FirstContactAt = formatTimePtr(firstContact)
	comm.LastContactAt = formatTimePtr(lastContact)
	comm.NextContactAt = formatTimePtr(nextContact)
	comm.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	comm.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)
	return &comm, nil
}

func (a *App) queryCommunications(ctx context.Context, query string, args ...any) ([]Communication, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Communication{}
	for rows.Next() {
		comm, err := scanCommunication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *comm)
	}
	return out, rows.Err()
}

func (a *App) getCommunicationByID(ctx context.Context, id string) (*Communication, error) {
	comm, err := scanCommunication(a.db.QueryRowContext(ctx, communicationSelect+` WHERE mc.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return comm, err
}

func (a *App) listReportCommunications(ctx context.Context, reportID string) ([]Communication, error) {
	return a.queryCommunications(ctx, communicationSelect+` WHERE mc.report_id = $1 ORDER BY mc.created_at ASC`, reportID)
}

// listDueCommunications returns outreach never sent yet, and outreach whose
// reminder date has passed while the municipality has not closed it.
func (a *App) listDueCommunications(ctx context.Context, now time.Time) ([]Communication, error) {
	return a.queryCommunications(ctx, communicationSelect+`
		WHERE mc.status = 'pending'
		   OR (mc.next_contact_at <= $1 AND mc.status NOT IN ('resolved', 'failed'))
		ORDER BY mc.next_contact_at ASC NULLS FIRST, mc.created_at ASC
	`, now)
}

// openCommunication is idempotent per report and municipality.
func (a *App) openCommunication(ctx context.Context, reportID, municipalityID string) (*Communication, error) {
	var id string
	err := a.db.QueryRowContext(ctx, `
		INSERT INTO municipality_communications (report_id, municipality_id, reminder_interval_days)
		VALUES ($1, $2, $3)
		ON CONFLICT (report_id, municipality_id) DO UPDATE SET updated_at = municipality_communications.updated_at
		RETURNING id::text
	`, reportID, municipalityID, defaultReminderInterval).Scan(&id)
	if err != nil {
		return nil, err
	}
	return a.getCommunicationByID(ctx, id)
}

func (a *App) markCommunicationSent(ctx context.Context, id string, note string, now time.Time) error {
	res, err := a.db.ExecContext(ctx, `
		UPDATE municipality_communications
		SET status = 'sent',
			contact_count = contact_count + 1,
			first_contact_at = COALESCE(first_contact_at, $2::timestamptz),
			last_contact_at = $2::timestamptz,
			next_contact_at = $2::timestamptz + make_interval(days => reminder_interval_days),
			notes = `+appendNoteSQL(3)+`,
			updated_at = NOW()
		WHERE id = $1
	`, id, now, note)
	if err != nil {
		return err
	}
	return expectOneRow(res, "Communication not found")
}

func (a *App) updateCommunicationStatus(ctx context.Context, id, status string, note *string) error {
	if !slices.Contains(communicationStatuses, status) {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_status", Message: "Invalid communication status"}
	}
	appended := ""
	if note != nil {
		appended = strings.TrimSpace(*note)
	}
	res, err := a.db.ExecContext(ctx, `
		UPDATE municipality_communications
		SET status = $2, notes = `+appendNoteSQL(3)+`, updated_at = NOW()
		WHERE id = $1
	`, id, status, appended)
	if err != nil {
		return err
	}
	return expectOneRow(res, "Communication not found")
}

func (a *App) updateReminderInterval(ctx context.Context, id string, days int) error {
	if days < 1 || days > maxReminderIntervalDays {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_interval", Message: "Reminder interval must be between 1 and 365 days"}
	}
	res, err := a.db.ExecContext(ctx, `
		UPDATE municipality_communications
		SET reminder_interval_days = $2,
			next_contact_at = CASE WHEN last_contact_at IS NULL THEN next_contact_at ELSE last_contact_at + make_interval(days => $2) END,
			updated_at = NOW()
		WHERE id = $1
	`, id, days)
	if err != nil {
		return err
	}
	return expectOneRow(res, "Communication not found")
}

func expectOneRow(res sql.Result, notFound string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &apiError{Status: http.StatusNotFound, Code: "not_found", Message: notFound}
	}
	return nil
}

func formatCommunicationNote(now time.Time, text string) string {
	return fmt.Sprintf("[%s] %s", now.UTC().Format("2006-01-02 15:04"), text)
}

func dossierFileName(reportID string) string {
	short := reportID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("signalement-%s.pdf", short)
}

func (a *App) buildCommunicationEmail(comm Communication, report Report) mailer.Message {
	place := comm.Place()
	neighborhood := strings.TrimSpace(report.Location.Neighborhood)
	if neighborhood == "" {
		neighborhood = "Non spécifié"
	}
	description := strings.TrimSpace(report.Description)
	if description == "" {
		description = "Aucune description fournie"
	}
	reportedOn := report.CreatedAt
	if parsed, err := time.Parse(time.RFC3339, report.CreatedAt); err == nil {
		reportedOn = parsed.Format("02/01/2006")
	}
	reportURL := buildPublicURL(a.cfg.PublicBaseURL, "/reports/"+report.ID)

	subject := fmt.Sprintf("Signalement de décharge sauvage à %s - Rappel %d", place, comm.ContactCount+1)

	reminder := ""
	reminderText := ""
	if comm.ContactCount > 0 {
		reminderText = fmt.Sprintf("Nous vous avons déjà contacté %d fois au sujet de ce signalement et restons sans nouvelles de votre part.", comm.ContactCount)
		reminder = fmt.Sprintf(`<p style="color: #b45309;">%s</p>`, html.EscapeString(reminderText))
	}

	body := fmt.Sprintf(`
		<div style="font-family: sans-serif; max-width: 600px; margin: 0 auto; line-height: 1.6; color: #333;">
			<h2>Madame, Monsieur,</h2>
			<p>Une décharge sauvage a été signalée par un citoyen sur le territoire de %s.</p>
			<ul>
				<li><strong>Quartier :</strong> %s</li>
				<li><strong>Description :</strong> %s</li>
				<li><strong>Date du signalement :</strong> %s</li>
				<li><strong>Taille estimée :</strong> %s</li>
			</ul>
			%s
			<p><a href="%s">Consulter le signalement</a>. Le dossier complet est joint à ce message.</p>
			<p>Pourriez-vous nous informer des actions prévues ou entreprises pour traiter ce dépôt ?</p>
			<p>Cordialement,<br />%s</p>
		</div>
	`,
		html.EscapeString(place),
		html.EscapeString(neighborhood),
		html.EscapeString(description),
		html.EscapeString(reportedOn),
		html.EscapeString(report.Size),
		reminder,
		reportURL,
		html.EscapeString(a.cfg.OutreachSenderName),
	)

	text := fmt.Sprintf(
		"Madame, Monsieur,\n\nUne décharge sauvage a été signalée sur le territoire de %s.\n\nQuartier : %s\nDescription : %s\nDate du signalement : %s\nTaille estimée : %s\n\n%s\n\nSignalement : %s\n\nPourriez-vous nous informer des actions prévues ou entreprises pour traiter ce dépôt ?\n\nCordialement,\n%s",
		place, neighborhood, description, reportedOn, report.Size, reminderText, reportURL, a.cfg.OutreachSenderName,
	)

	return mailer.Message{
		To:      []string{comm.MunicipalityEmail},
		ReplyTo: a.cfg.OutreachReplyTo,
		Subject: subject,
		HTML:    body,
		Text:    text,
	}
}

func buildReportDossierPDF(report Report, communications []Communication, events []ReportEvent) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, tr("Dossier de signalement"))
	pdf.Ln(12)

	neighborhood := report.Location.Neighborhood
	if strings.TrimSpace(neighborhood) == "" {
		neighborhood = "Non spécifié"
	}
	coordinates := "Non renseignées"
	if report.Location.HasCoordinates() {
		coordinates = fmt.Sprintf("%.6f, %.6f", *report.Location.Latitude, *report.Location.Longitude)
	}

	pdf.SetFont("Helvetica", "", 11)
	for _, line := range [][2]string{
		{"Référence", report.ID},
		{"Date", report.CreatedAt},
		{"Statut", report.Status},
		{"Taille", report.Size},
		{"Quartier", neighborhood},
		{"Coordonnées", coordinates},
		{"Photo", report.ImageURL},
	} {
		pdf.Cell(0, 7, tr(fmt.Sprintf("%s : %s", line[0], line[1])))
		pdf.Ln(7)
	}

	pdf.Ln(3)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.Cell(0, 8, tr("Description"))
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 10)
	description := strings.TrimSpace(report.Description)
	if description == "" {
		description = "Aucune description fournie"
	}
	pdf.MultiCell(0, 6, tr(description), "", "L", false)

	if len(communications) > 0 {
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "B", 11)
		pdf.Cell(0, 8, tr("Suivi auprès des municipalités"))
		pdf.Ln(8)
		pdf.SetFont("Helvetica", "", 10)
		for _, comm := range communications {
			last := "jamais"
			if comm.LastContactAt != nil {
				last = *comm.LastContactAt
			}
			pdf.Cell(0, 6, tr(fmt.Sprintf("- %s : %s, %d contact(s), dernier contact %s", comm.MunicipalityName, comm.Status, comm.ContactCount, last)))
			pdf.Ln(6)
		}
	}

	if len(events) > 0 {
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "B", 11)
		pdf.Cell(0, 8, tr("Historique"))
		pdf.Ln(8)
		pdf.SetFont("Helvetica", "", 10)
		for _, event := range events {
			pdf.Cell(0, 6, tr(fmt.Sprintf("- %s %s (%s)", event.CreatedAt, event.Type, event.Actor)))
			pdf.Ln(6)
		}
	}

	buffer := bytes.NewBuffer(nil)
	if err := pdf.Output(buffer); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// sendCommunication mails the report dossier to the municipality and moves
// the outreach to sent, or to failed when the provider rejects it.
func (a *App) sendCommunication(ctx context.Context, id string) (*Communication, error) {
	comm, err := a.storeGetCommunication(ctx, id)
	if err != nil {
		return nil, err
	}
	if comm == nil {
		return nil, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Communication not found"}
	}
	if comm.Status == communicationResolved {
		return nil, &apiError{Status: http.StatusConflict, Code: "communication_resolved", Message: "Communication already resolved"}
	}
	if strings.TrimSpace(comm.MunicipalityEmail) == "" {
		return nil, &apiError{Status: http.StatusUnprocessableEntity, Code: "missing_email", Message: "Municipality has no email address"}
	}
	if a.mailer == nil {
		return nil, fmt.Errorf("mailer not configured")
	}

	report, err := a.storeGetReport(ctx, comm.ReportID)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Report not found"}
	}

	dossier, err := buildReportDossierPDF(*report, []Communication{*comm}, nil)
	if err != nil {
		return nil, fmt.Errorf("build dossier: %w", err)
	}

	msg := a.buildCommunicationEmail(*comm, *report)
	msg.Attachments = []mailer.Attachment{{Filename: dossierFileName(report.ID), Content: dossier}}

	now := a.clock()
	result, err := a.mailer.Send(ctx, msg)
	if err != nil {
		remindersSentTotal.WithLabelValues("failed").Inc()
		a.log.Error("failed to send municipality email", "communication_id", id, "email", comm.MunicipalityEmail, "err", err)
		note := formatCommunicationNote(now, "Échec d'envoi : "+err.Error())
		if updateErr := a.storeUpdateCommunication(ctx, id, communicationFailed, &note); updateErr != nil {
			a.log.Error("failed to record email failure", "communication_id", id, "err", updateErr)
		}
		return nil, &apiError{Status: http.StatusBadGateway, Code: "mail_failed", Message: "Email could not be sent"}
	}

	note := formatCommunicationNote(now, fmt.Sprintf("Email envoyé à %s (contact %d)", comm.MunicipalityEmail, comm.ContactCount+1))
	if err := a.storeMarkCommunicationSent(ctx, id, note, now); err != nil {
		return nil, err
	}
	remindersSentTotal.WithLabelValues("sent").Inc()
	a.log.Info("sent municipality email",
		"communication_id", id,
		"report_id", report.ID,
		"municipality", comm.MunicipalityName,
		"provider", a.mailer.ProviderName(),
		"provider_message_id", result.ProviderMessageID,
	)

	return a.storeGetCommunication(ctx, id)
}

// sendDueReminders walks every due communication once. A failing one does
// not stop the batch.
func (a *App) sendDueReminders(ctx context.Context) (int, error) {
	due, err := a.storeListDueCommunications(ctx, a.clock())
	if err != nil {
		return 0, fmt.Errorf("failed to list due communications: %w", err)
	}

	sent := 0
	for _, comm := range due {
		if strings.TrimSpace(comm.MunicipalityEmail) == "" {
			a.log.Warn("skipping municipality without email", "communication_id", comm.ID, "municipality", comm.MunicipalityName)
			continue
		}
		if _, err := a.sendCommunication(ctx, comm.ID); err != nil {
			a.log.Error("reminder not sent", "communication_id", comm.ID, "err", err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (a *App) reportCommunicationsHandler(c *gin.Context) {
	reportID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	items, err := a.listReportCommunications(c.Request.Context(), reportID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (a *App) openCommunicationHandler(c *gin.Context) {
	reportID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var payload struct {
		MunicipalityID string `json:"municipality_id"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid JSON body"})
			return
		}
	}
	ctx := c.Request.Context()

	report, err := a.storeGetReport(ctx, reportID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if report == nil {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Report not found"})
		return
	}

	var municipality *Municipality
	if id := strings.TrimSpace(payload.MunicipalityID); id != "" {
		municipality, err = a.getMunicipalityByID(ctx, id)
	} else if report.CityID != nil {
		municipality, err = a.municipalityForCity(ctx, *report.CityID)
	}
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if municipality == nil {
		writeAPIError(c, &apiError{Status: http.StatusUnprocessableEntity, Code: "no_municipality", Message: "No municipality found for this report"})
		return
	}

	comm, err := a.openCommunication(ctx, report.ID, municipality.ID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusCreated, comm)
}

func (a *App) reportDossierHandler(c *gin.Context) {
	reportID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	report, err := a.storeGetReport(ctx, reportID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if report == nil {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Report not found"})
		return
	}
	communications, err := a.listReportCommunications(ctx, reportID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	events, err := a.listEvents(ctx, reportID)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	dossier, err := buildReportDossierPDF(*report, communications, events)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dossierFileName(report.ID)))
	c.Data(http.StatusOK, "application/pdf", dossier)
}

func (a *App) pendingCommunicationsHandler(c *gin.Context) {
	items, err := a.storeListDueCommunications(c.Request.Context(), a.clock())
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (a *App) updateCommunicationStatusHandler(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var payload struct {
		Status string  `json:"status"`
		Notes  *string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid JSON body"})
		return
	}
	session, _ := getOperatorSession(c)

	var note *string
	if payload.Notes != nil && strings.TrimSpace(*payload.Notes) != "" {
		formatted := formatCommunicationNote(a.clock(), fmt.Sprintf("%s (%s)", strings.TrimSpace(*payload.Notes), session.Email))
		note = &formatted
	}

	ctx := c.Request.Context()
	if err := a.storeUpdateCommunication(ctx, id, strings.TrimSpace(payload.Status), note); err != nil {
		writeAPIError(c, err)
		return
	}
	comm, err := a.storeGetCommunication(ctx, id)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, comm)
}

func (a *App) updateCommunicationIntervalHandler(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var payload struct {
		Days int `json:"days"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid JSON body"})
		return
	}
	ctx := c.Request.Context()
	if err := a.updateReminderInterval(ctx, id, payload.Days); err != nil {
		writeAPIError(c, err)
		return
	}
	comm, err := a.getCommunicationByID(ctx, id)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, comm)
}

func (a *App) sendCommunicationHandler(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	comm, err := a.sendCommunication(c.Request.Context(), id)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, comm)
}
