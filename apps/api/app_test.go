package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"dumpwatch/libs/dedupe"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	testCityID      = "6f1c3a2e-9b0d-4c55-8a51-0f3b2d1e7c90"
	testAnonymousID = "anon-reporter-1"
)

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	putErr  error
}

func (s *fakeObjectStore) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return "", s.putErr
	}
	if s.objects == nil {
		s.objects = make(map[string][]byte)
	}
	s.objects[key] = body
	return "https://cdn.test/" + key, nil
}

func (s *fakeObjectStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *fakeObjectStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type fakeDetector struct {
	result dedupe.Result
	calls  []dedupe.Candidate
}

func (d *fakeDetector) Check(ctx context.Context, candidate dedupe.Candidate) dedupe.Result {
	d.calls = append(d.calls, candidate)
	out := dedupe.Result{SimilarReports: append([]dedupe.SimilarReport{}, d.result.SimilarReports...)}
	out.HasDuplicates = len(out.SimilarReports) > 0
	return out
}

// testHarness wires an App to in-memory fakes for every store hook.
type testHarness struct {
	app      *App
	router   *gin.Engine
	objects  *fakeObjectStore
	detector *fakeDetector
	pending  *MemoryPendingStore

	mu            sync.Mutex
	reports       map[string]*Report
	inserted      []NewReport
	contributions []Contribution
	stats         []string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := &testHarness{
		objects:  &fakeObjectStore{},
		detector: &fakeDetector{result: dedupe.Result{SimilarReports: []dedupe.SimilarReport{}}},
		pending:  NewMemoryPendingStore(),
		reports:  map[string]*Report{},
	}
	h.app = &App{
		cfg: &Config{
			Env:                "test",
			AppSigningSecret:   testSigningSecret,
			PublicBaseURL:      "https://dumpwatch.test",
			StorageBackend:     storageBackendS3,
			PendingTTL:         30 * time.Minute,
			OutreachSenderName: "L'équipe DumpWatch",
		},
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		objects:  h.objects,
		pending:  h.pending,
		detector: h.detector,
	}

	h.app.storeCityExists = func(ctx context.Context, cityID string) (bool, error) {
		return cityID == testCityID, nil
	}
	h.app.storeInsertReport = func(ctx context.Context, input NewReport) (*Report, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.inserted = append(h.inserted, input)
		cityID := input.CityID
		report := &Report{
			ID:          uuid.NewString(),
			ImageURL:    input.ImageURL,
			ImageKey:    input.ImageKey,
			Location:    input.Location,
			CityID:      &cityID,
			Description: input.Description,
			Size:        input.Size,
			Status:      dedupe.StatusPending,
			UserID:      input.UserID,
			CreatedAt:   "2026-10-18T09:00:00Z",
			UpdatedAt:   "2026-10-18T09:00:00Z",
		}
		h.reports[report.ID] = report
		return report, nil
	}
	h.app.storeGetReport = func(ctx context.Context, id string) (*Report, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		report, ok := h.reports[id]
		if !ok {
			return nil, nil
		}
		copied := *report
		return &copied, nil
	}
	h.app.storeContribute = func(ctx context.Context, reportID string, contribution Contribution) (*Report, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		report, ok := h.reports[reportID]
		if !ok {
			return nil, nil
		}
		h.contributions = append(h.contributions, contribution)
		report.Status = contributionTransitions[report.Status]
		copied := *report
		return &copied, nil
	}
	h.app.storeRecordStat = func(ctx context.Context, kind string) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.stats = append(h.stats, kind)
		return nil
	}
	h.app.storeAuthenticateOperator = func(ctx context.Context, email, password string) (string, error) {
		if email == "admin@example.com" && password == "correct horse" {
			return "admin", nil
		}
		return "", &apiError{Status: http.StatusUnauthorized, Code: "invalid_credentials", Message: "Invalid credentials"}
	}

	h.router = h.app.newRouter()
	return h
}

func (h *testHarness) addReport(report Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports[report.ID] = &report
}

func (h *testHarness) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 120, G: 90, B: 40, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func validReportFields() map[string]string {
	return map[string]string{
		"lat":         "48.8566",
		"lng":         "2.3522",
		"city_id":     testCityID,
		"description": "Gravats et vieux meubles au bord du chemin",
		"size":        "medium",
	}
}

func newReportRequest(t *testing.T, fields map[string]string, photo []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if photo != nil {
		part, err := writer.CreateFormFile("photo", "dump.png")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(photo); err != nil {
			t.Fatalf("write photo: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.RemoteAddr = "198.51.100.7:40000"
	req.AddCookie(&http.Cookie{Name: anonReporterCookieName, Value: testAnonymousID})
	return req
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func withAnonymousCookie(req *http.Request, anonymousID string) *http.Request {
	req.AddCookie(&http.Cookie{Name: anonReporterCookieName, Value: anonymousID})
	return req
}

func authenticatedRequest(t *testing.T, app *App, method, target, body string) *http.Request {
	return authenticatedRequestWithSession(t, app, method, target, body, OperatorSession{Email: "operator@example.com", Role: "admin"})
}

func authenticatedRequestWithSession(t *testing.T, app *App, method, target, body string, session OperatorSession) *http.Request {
	t.Helper()
	req := jsonRequest(method, target, body)
	token, err := app.createOperatorSessionToken(session)
	if err != nil {
		t.Fatalf("create session token: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: operatorCookieName, Value: token, Path: "/"})
	return req
}

func findResponseCookie(response *http.Response, name string) *http.Cookie {
	for _, cookie := range response.Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func floatPtr(value float64) *float64 {
	return &value
}
