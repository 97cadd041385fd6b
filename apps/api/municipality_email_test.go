package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"dumpwatch/libs/dedupe"
	"dumpwatch/libs/mailer"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCommunicationID = "c0ffee00-1111-4222-8333-444455556666"

type fakeMailProvider struct {
	sent []mailer.Message
	err  error
}

func (p *fakeMailProvider) Name() string { return "fake" }

func (p *fakeMailProvider) Send(ctx context.Context, msg mailer.Message) (mailer.SendResult, error) {
	if p.err != nil {
		return mailer.SendResult{}, p.err
	}
	p.sent = append(p.sent, msg)
	return mailer.SendResult{ProviderMessageID: "msg-1"}, nil
}

type communicationFixture struct {
	provider *fakeMailProvider
	comms    map[string]*Communication
	sentNote []string
	updates  []string
}

// withCommunications points the communication hooks at an in-memory table.
func withCommunications(h *testHarness, comms ...Communication) *communicationFixture {
	fx := &communicationFixture{provider: &fakeMailProvider{}, comms: map[string]*Communication{}}
	for i := range comms {
		fx.comms[comms[i].ID] = &comms[i]
	}
	h.app.mailer = mailer.New(fx.provider, "signalements@dumpwatch.test")
	h.app.storeGetCommunication = func(ctx context.Context, id string) (*Communication, error) {
		comm, ok := fx.comms[id]
		if !ok {
			return nil, nil
		}
		copied := *comm
		return &copied, nil
	}
	h.app.storeMarkCommunicationSent = func(ctx context.Context, id string, note string, now time.Time) error {
		comm := fx.comms[id]
		comm.Status = communicationSent
		comm.ContactCount++
		fx.sentNote = append(fx.sentNote, note)
		return nil
	}
	h.app.storeUpdateCommunication = func(ctx context.Context, id, status string, note *string) error {
		fx.comms[id].Status = status
		fx.updates = append(fx.updates, status)
		return nil
	}
	h.app.storeListDueCommunications = func(ctx context.Context, now time.Time) ([]Communication, error) {
		out := []Communication{}
		for _, comm := range fx.comms {
			if comm.Status == communicationPending {
				out = append(out, *comm)
			}
		}
		return out, nil
	}
	return fx
}

func pendingCommunication(id string) Communication {
	return Communication{
		ID:                   id,
		ReportID:             existingReportID,
		MunicipalityID:       "7a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d",
		MunicipalityName:     "Mairie de Montreuil",
		MunicipalityEmail:    "proprete@montreuil.test",
		CityName:             "Montreuil",
		Status:               communicationPending,
		ReminderIntervalDays: 7,
	}
}

func seedCommunicationReport(h *testHarness) {
	h.addReport(Report{
		ID:          existingReportID,
		ImageURL:    "https://cdn.test/reports/old.jpg",
		Location:    dedupe.Location{Neighborhood: "Bas-Montreuil", Latitude: floatPtr(48.857), Longitude: floatPtr(2.427)},
		Description: "Matelas et cartons",
		Size:        "large",
		Status:      dedupe.StatusInReview,
		CreatedAt:   "2026-10-14T10:00:00Z",
	})
}

func TestBuildCommunicationEmail(t *testing.T) {
	h := newTestHarness(t)
	h.app.cfg.OutreachReplyTo = "contact@dumpwatch.test"
	comm := pendingCommunication(testCommunicationID)
	report := Report{ID: existingReportID, Size: "large", CreatedAt: "2026-10-14T10:00:00Z"}

	msg := h.app.buildCommunicationEmail(comm, report)

	assert.Equal(t, []string{"proprete@montreuil.test"}, msg.To)
	assert.Equal(t, "contact@dumpwatch.test", msg.ReplyTo)
	assert.Equal(t, "Signalement de décharge sauvage à Montreuil - Rappel 1", msg.Subject)
	assert.Contains(t, msg.HTML, "Non spécifié")
	assert.Contains(t, msg.HTML, "Aucune description fournie")
	assert.Contains(t, msg.HTML, "14/10/2026")
	assert.Contains(t, msg.HTML, "https://dumpwatch.test/reports/"+existingReportID)
	assert.Contains(t, msg.Text, "Pourriez-vous nous informer des actions")
	assert.NotContains(t, msg.HTML, "déjà contacté")

	comm.ContactCount = 2
	comm.CityName = ""
	msg = h.app.buildCommunicationEmail(comm, report)
	assert.Equal(t, "Signalement de décharge sauvage à Mairie de Montreuil - Rappel 3", msg.Subject)
	assert.Contains(t, msg.HTML, "déjà contacté 2 fois")
}

func TestBuildCommunicationEmailEscapesReportText(t *testing.T) {
	h := newTestHarness(t)
	report := Report{ID: existingReportID, Description: `<script>alert("x")</script>`, Size: "small"}

	msg := h.app.buildCommunicationEmail(pendingCommunication(testCommunicationID), report)

	assert.NotContains(t, msg.HTML, "<script>")
	assert.Contains(t, msg.HTML, "&lt;script&gt;")
}

func TestBuildReportDossierPDF(t *testing.T) {
	report := Report{
		ID:          existingReportID,
		Location:    dedupe.Location{Neighborhood: "Bas-Montreuil", Latitude: floatPtr(48.857), Longitude: floatPtr(2.427)},
		Description: "Électroménager déposé près du square",
		Size:        "large",
		Status:      dedupe.StatusInReview,
	}
	events := []ReportEvent{{Type: "created", Actor: "citizen_anonymous", CreatedAt: "2026-10-14T10:00:00Z"}}

	data, err := buildReportDossierPDF(report, []Communication{pendingCommunication(testCommunicationID)}, events)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
	assert.Equal(t, "signalement-3c9e2b7a.pdf", dossierFileName(existingReportID))
}

func TestSendCommunicationAttachesDossier(t *testing.T) {
	h := newTestHarness(t)
	h.app.now = fixedClock(time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC))
	seedCommunicationReport(h)
	fx := withCommunications(h, pendingCommunication(testCommunicationID))

	comm, err := h.app.sendCommunication(t.Context(), testCommunicationID)
	require.NoError(t, err)
	assert.Equal(t, communicationSent, comm.Status)
	assert.Equal(t, 1, comm.ContactCount)

	require.Len(t, fx.provider.sent, 1)
	msg := fx.provider.sent[0]
	assert.Equal(t, "signalements@dumpwatch.test", msg.From)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "signalement-3c9e2b7a.pdf", msg.Attachments[0].Filename)
	assert.True(t, bytes.HasPrefix(msg.Attachments[0].Content, []byte("%PDF")))
	require.Len(t, fx.sentNote, 1)
	assert.Equal(t, "[2026-10-18 09:30] Email envoyé à proprete@montreuil.test (contact 1)", fx.sentNote[0])
}

func TestSendCommunicationProviderFailureMarksFailed(t *testing.T) {
	h := newTestHarness(t)
	seedCommunicationReport(h)
	fx := withCommunications(h, pendingCommunication(testCommunicationID))
	fx.provider.err = errors.New("mailbox unavailable")

	_, err := h.app.sendCommunication(t.Context(), testCommunicationID)

	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "mail_failed", apiErr.Code)
	assert.Equal(t, []string{communicationFailed}, fx.updates)
	assert.Empty(t, fx.sentNote)
}

func TestSendCommunicationGuards(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(c *Communication)
		id         string
		wantStatus int
	}{
		{name: "unknown communication", mutate: func(*Communication) {}, id: "missing", wantStatus: http.StatusNotFound},
		{name: "already resolved", mutate: func(c *Communication) { c.Status = communicationResolved }, id: testCommunicationID, wantStatus: http.StatusConflict},
		{name: "no email on file", mutate: func(c *Communication) { c.MunicipalityEmail = " " }, id: testCommunicationID, wantStatus: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHarness(t)
			seedCommunicationReport(h)
			comm := pendingCommunication(testCommunicationID)
			tt.mutate(&comm)
			fx := withCommunications(h, comm)

			_, err := h.app.sendCommunication(t.Context(), tt.id)

			var apiErr *apiError
			require.True(t, errors.As(err, &apiErr), "got %v", err)
			assert.Equal(t, tt.wantStatus, apiErr.Status)
			assert.Empty(t, fx.provider.sent)
		})
	}
}

func TestSendDueRemindersSkipsMissingEmail(t *testing.T) {
	h := newTestHarness(t)
	seedCommunicationReport(h)
	noEmail := pendingCommunication("d1d2d3d4-0000-4000-8000-000000000002")
	noEmail.MunicipalityEmail = ""
	fx := withCommunications(h, pendingCommunication(testCommunicationID), noEmail)

	sent, err := h.app.sendDueReminders(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, fx.provider.sent, 1)
	assert.Equal(t, communicationPending, fx.comms[noEmail.ID].Status)
}

func TestSendCommunicationHandler(t *testing.T) {
	h := newTestHarness(t)
	seedCommunicationReport(h)
	withCommunications(h, pendingCommunication(testCommunicationID))

	rec := h.serve(authenticatedRequest(t, h.app, http.MethodPost, "/api/v1/operator/communications/"+testCommunicationID+"/send", ""))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"sent"`)
}

func TestMarkCommunicationSentQuery(t *testing.T) {
	app, mock := newMockApp(t)
	now := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE municipality_communications\s+SET status = 'sent'`).
		WithArgs(testCommunicationID, now, "[2026-10-18 09:30] Email envoyé").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE municipality_communications\s+SET status = 'sent'`).
		WithArgs("missing", now, "").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, app.markCommunicationSent(t.Context(), testCommunicationID, "[2026-10-18 09:30] Email envoyé", now))

	err := app.markCommunicationSent(t.Context(), "missing", "", now)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCommunicationStatusValidates(t *testing.T) {
	app, mock := newMockApp(t)
	note := "  Rappel téléphonique  "
	mock.ExpectExec(`UPDATE municipality_communications\s+SET status = \$2`).
		WithArgs(testCommunicationID, communicationReceived, "Rappel téléphonique").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, app.updateCommunicationStatus(t.Context(), testCommunicationID, communicationReceived, &note))
	assert.Error(t, app.updateCommunicationStatus(t.Context(), testCommunicationID, "ignored", nil))
	assert.Error(t, app.updateReminderInterval(t.Context(), testCommunicationID, 0))
	assert.Error(t, app.updateReminderInterval(t.Context(), testCommunicationID, maxReminderIntervalDays+1))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDueCommunicationsScansRows(t *testing.T) {
	app, mock := newMockApp(t)
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	last := now.AddDate(0, 0, -8)
	columns := []string{"id", "report_id", "municipality_id", "name", "email", "city", "status", "first_contact_at", "last_contact_at", "next_contact_at", "contact_count", "reminder_interval_days", "notes", "created_at", "updated_at"}
	mock.ExpectQuery(`WHERE mc.status = 'pending'`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(testCommunicationID, existingReportID, "m-1", "Mairie de Montreuil", "proprete@montreuil.test", "Montreuil", communicationSent, last, last, last.AddDate(0, 0, 7), 1, 7, "", last, last))

	due, err := app.listDueCommunications(t.Context(), now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "Montreuil", due[0].Place())
	require.NotNil(t, due[0].NextContactAt)
	assert.True(t, strings.HasPrefix(*due[0].NextContactAt, "2026-10-17"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
