package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"dumpwatch/libs/dedupe"
	"dumpwatch/libs/mailer"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/crypto/bcrypt"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	maxUploadBytes             = 10 * 1024 * 1024
	maxDescriptionLength       = 1000
	maxNeighborhoodLength      = 200
	reportRateLimitRequests    = 8
	reportRateLimitWindow      = 5 * time.Minute
	statsRateLimitRequests     = 60
	statsRateLimitWindow       = time.Minute
	rateLimiterCleanupInterval = time.Minute
	pendingSweepInterval       = time.Minute
	anonReporterCookieName     = "dumpwatch_anon_id"
	anonReporterCookieMaxAge   = 180 * 24 * time.Hour
	operatorCookieName         = "dumpwatch_operator_session"
	operatorSessionDuration    = 8 * time.Hour
	userCookieName             = "dumpwatch_user_session"
	userSessionDuration        = 30 * 24 * time.Hour
	defaultReminderInterval    = 7
	devCORSOriginLocalhost     = "http://localhost:5173"
	devCORSOriginLoopback      = "http://127.0.0.1:5173"
	trustedProxyLoopbackIPv4   = "127.0.0.1"
	trustedProxyLoopbackIPv6   = "::1"
)

var (
	operatorRoles     = []string{"admin", "moderator"}
	allowedImageTypes = map[string]string{"image/jpeg": ".jpg", "image/png": ".png", "image/gif": ".gif"}
	statusTransitions = map[string][]string{
		dedupe.StatusPending:  {dedupe.StatusInReview, dedupe.StatusResolved},
		dedupe.StatusInReview: {dedupe.StatusPending, dedupe.StatusResolved},
		dedupe.StatusResolved: {dedupe.StatusInReview},
	}
	// A contribution confirms the dump is still there, so it always lands in review.
	contributionTransitions = map[string]string{
		dedupe.StatusPending:  dedupe.StatusInReview,
		dedupe.StatusInReview: dedupe.StatusInReview,
		dedupe.StatusResolved: dedupe.StatusInReview,
	}
)

type App struct {
	cfg *Config
	db  *sql.DB
	log *slog.Logger

	geocoder Geocoder
	mailer   *mailer.Mailer
	objects  ObjectStore
	pending  PendingStore
	detector duplicateChecker
	now      func() time.Time

	rateLimiterMu sync.Mutex
	rateBuckets   map[string]rateBucket

	// store hooks, replaced in handler tests
	storeInsertReport          func(ctx context.Context, input NewReport) (*Report, error)
	storeGetReport             func(ctx context.Context, id string) (*Report, error)
	storeContribute            func(ctx context.Context, reportID string, contribution Contribution) (*Report, error)
	storeRecordStat            func(ctx context.Context, kind string) error
	storeCityExists            func(ctx context.Context, cityID string) (bool, error)
	storeAuthenticateOperator  func(ctx context.Context, email, password string) (string, error)
	storeListDueCommunications func(ctx context.Context, now time.Time) ([]Communication, error)
	storeGetCommunication      func(ctx context.Context, id string) (*Communication, error)
	storeMarkCommunicationSent func(ctx context.Context, id string, note string, now time.Time) error
	storeUpdateCommunication   func(ctx context.Context, id, status string, note *string) error
}

type duplicateChecker interface {
	Check(ctx context.Context, candidate dedupe.Candidate) dedupe.Result
}

type rateBucket struct {
	start time.Time
	count int
}

type Report struct {
	ID          string          `json:"id"`
	ImageURL    string          `json:"image_url"`
	ImageKey    string          `json:"-"`
	Location    dedupe.Location `json:"location"`
	CityID      *string         `json:"city_id"`
	Description string          `json:"description"`
	Size        string          `json:"size"`
	Status      string          `json:"status"`
	UserID      *string         `json:"user_id"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

type NewReport struct {
	ImageURL    string
	ImageKey    string
	Location    dedupe.Location
	CityID      string
	Description string
	Size        string
	UserID      *string
	Actor       string
	Metadata    map[string]any
}

type Contribution struct {
	SubmissionID string
	ImageURL     string
	UserID       *string
	Actor        string
}

type ReportEvent struct {
	ID        int            `json:"id"`
	ReportID  string         `json:"report_id"`
	CreatedAt string         `json:"created_at"`
	Type      string         `json:"type"`
	Actor     string         `json:"actor"`
	Metadata  map[string]any `json:"metadata"`
}

type City struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Region string `json:"region"`
}

type OperatorSession struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type UserSession struct {
	UserID string `json:"user_id"`
}

type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string { return e.Message }

func main() {
	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		panic(err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		panic(err)
	}

	var geocoder Geocoder
	httpClient := &http.Client{Timeout: 10 * time.Second}

	mapbox := &MapboxGeocoder{AccessToken: cfg.MapboxAccessToken, Client: httpClient}
	nominatim := &NominatimGeocoder{UserAgent: "DumpWatch-API/1.0", Client: httpClient}

	switch cfg.GeocoderProvider {
	case "mapbox":
		geocoder = mapbox
	case "nominatim":
		geocoder = nominatim
	default:
		geocoder = &FallbackGeocoder{Primary: mapbox, Secondary: nominatim}
	}

	var mailProvider mailer.Provider
	if cfg.ResendAPIKey != "" {
		mailProvider = mailer.NewResendProvider(cfg.ResendAPIKey)
		logger.Info("mailer initialized", "provider", "resend")
	} else {
		mailProvider = mailer.NewLogProvider(logger)
		logger.Info("mailer initialized", "provider", "log")
	}
	mailClient := mailer.New(mailProvider, cfg.MailerFromAddresses[mailProvider.Name()])

	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		panic(err)
	}
	pending, err := newPendingStore(ctx, cfg)
	if err != nil {
		panic(err)
	}

	reports := &pgReportStore{db: db}
	detector := dedupe.NewDetector(dedupe.DetectorConfig{
		Reports:      reports,
		Ranker:       reports,
		Profiles:     reports,
		Logger:       logger.With("component", "dedupe"),
		RadiusMeters: cfg.DuplicateRadiusM,
		Lookback:     time.Duration(cfg.DuplicateLookbackDays) * 24 * time.Hour,
		Threshold:    cfg.SimilarityThreshold,
	})

	app := &App{
		cfg:         cfg,
		db:          db,
		log:         logger,
		geocoder:    geocoder,
		mailer:      mailClient,
		objects:     objects,
		pending:     pending,
		detector:    detector,
		now:         time.Now,
		rateBuckets: make(map[string]rateBucket),
	}
	app.wireStore()

	logger.Info(
		"runtime configuration",
		"env", cfg.Env,
		"addr", cfg.Addr,
		"storage_backend", cfg.StorageBackend,
		"pending_backend", pendingBackendName(cfg),
		"duplicate_radius_m", cfg.DuplicateRadiusM,
		"duplicate_lookback_days", cfg.DuplicateLookbackDays,
	)

	if err := app.runMigrations(ctx); err != nil {
		panic(err)
	}

	if len(os.Args) > 1 && os.Args[1] == "send-reminders" {
		sent, err := app.sendDueReminders(ctx)
		if err != nil {
			logger.Error("failed to send reminders", "err", err)
			os.Exit(1)
		}
		logger.Info("send-reminders completed", "sent", sent)
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "repair-reports" {
		repaired, err := app.repairReports(ctx)
		if err != nil {
			logger.Error("failed to repair reports", "err", err)
			os.Exit(1)
		}
		logger.Info("repair-reports completed", "repaired", repaired)
		return
	}

	if len(os.Args) > 1 {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err := app.bootstrapOperator(ctx); err != nil {
		panic(err)
	}

	if cfg.StorageBackend == storageBackendLocal {
		if err := os.MkdirAll(filepath.Join(cfg.DataRoot, "uploads", "reports"), 0o755); err != nil {
			panic(err)
		}
	}

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	defer backgroundCancel()
	app.startRateLimiterCleanup(backgroundCtx, rateLimiterCleanupInterval)
	app.startPendingSweeper(backgroundCtx, pendingSweepInterval)

	r := app.newRouter()

	app.log.Info("starting gin API", "addr", cfg.Addr)
	if err := r.Run(cfg.Addr); err != nil {
		panic(err)
	}
}

func (a *App) wireStore() {
	a.storeInsertReport = a.insertReport
	a.storeGetReport = a.getReportByID
	a.storeContribute = a.contributeToReport
	a.storeRecordStat = a.incrementStat
	a.storeCityExists = a.cityExists
	a.storeAuthenticateOperator = a.authenticateOperatorCredentials
	a.storeListDueCommunications = a.listDueCommunications
	a.storeGetCommunication = a.getCommunicationByID
	a.storeMarkCommunicationSent = a.markCommunicationSent
	a.storeUpdateCommunication = a.updateCommunicationStatus
}

func (a *App) newRouter() *gin.Engine {
	r := gin.New()
	if err := r.SetTrustedProxies([]string{trustedProxyLoopbackIPv4, trustedProxyLoopbackIPv6}); err != nil {
		panic(err)
	}
	r.Use(gin.Recovery())
	r.Use(a.loggingMiddleware())
	r.Use(metricsMiddleware())
	r.Use(a.corsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", metricsHandler())
	if a.cfg.StorageBackend == storageBackendLocal {
		r.Static("/media", filepath.Join(a.cfg.DataRoot, "uploads"))
	}

	api := r.Group("/api/v1")
	{
		api.POST("/reports", a.createReportHandler)
		api.GET("/reports", a.listReportsHandler)
		api.GET("/reports/:id", a.reportDetailsHandler)
		api.GET("/map/clusters", a.mapClustersHandler)
		api.GET("/stats/reports", a.reportStatusStatsHandler)
		api.GET("/cities", a.citiesHandler)
		api.POST("/analytics/:kind", a.recordStatHandler)

		submissions := api.Group("/submissions")
		{
			submissions.GET("/:id", a.pendingSubmissionHandler)
			submissions.POST("/:id/contribute", a.contributeSubmissionHandler)
			submissions.POST("/:id/continue", a.continueSubmissionHandler)
			submissions.POST("/:id/cancel", a.cancelSubmissionHandler)
		}

		opAuth := api.Group("/operator/auth")
		{
			opAuth.POST("/login", a.operatorLoginHandler)
			opAuth.POST("/logout", a.operatorLogoutHandler)
			opAuth.GET("/session", a.operatorSessionHandler)
		}

		op := api.Group("/operator")
		op.Use(a.requireOperatorSession())
		{
			op.GET("/reports", a.listReportsHandler)
			op.GET("/reports/export", a.operatorExportReportsHandler)
			op.GET("/reports/:id/events", a.operatorReportEventsHandler)
			op.POST("/reports/:id/status", a.operatorUpdateStatusHandler)
			op.DELETE("/reports/:id", a.requireRole("admin"), a.operatorDeleteReportHandler)
			op.GET("/reports/:id/communications", a.reportCommunicationsHandler)
			op.POST("/reports/:id/communications", a.openCommunicationHandler)
			op.GET("/reports/:id/dossier.pdf", a.reportDossierHandler)

			op.GET("/municipalities", a.listMunicipalitiesHandler)
			op.GET("/municipalities/:id", a.getMunicipalityHandler)
			op.POST("/municipalities", a.requireRole("admin"), a.createMunicipalityHandler)
			op.PUT("/municipalities/:id", a.requireRole("admin"), a.updateMunicipalityHandler)
			op.DELETE("/municipalities/:id", a.requireRole("admin"), a.deleteMunicipalityHandler)

			op.GET("/communications/pending", a.pendingCommunicationsHandler)
			op.POST("/communications/:id/status", a.updateCommunicationStatusHandler)
			op.POST("/communications/:id/interval", a.updateCommunicationIntervalHandler)
			op.POST("/communications/:id/send", a.sendCommunicationHandler)

			op.GET("/analytics", a.analyticsSummaryHandler)
		}
	}

	return r
}

func (a *App) runMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return err
	}

	if _, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		var exists bool
		if err := a.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, file).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}

		content, err := migrationFiles.ReadFile("migrations/" + file)
		if err != nil {
			return err
		}

		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, file); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		a.log.Info("applied migration", "file", file)
	}

	return nil
}

func (a *App) bootstrapOperator(ctx context.Context) error {
	email := a.cfg.BootstrapOperatorEmail
	password := a.cfg.BootstrapOperatorPassword
	if email == "" || password == "" {
		a.log.Info("bootstrap operator not configured")
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO operators (email, password_hash, role, is_active)
		VALUES ($1, $2, 'admin', TRUE)
		ON CONFLICT (email)
		DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			role = 'admin',
			is_active = TRUE,
			updated_at = NOW()
	`, email, string(hash))
	if err != nil {
		return err
	}

	a.log.Info("bootstrap operator ensured", "email", email)
	return nil
}

func (a *App) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP(),
		)
	}
}

func (a *App) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		if a.isAllowedCORSOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (a *App) isAllowedCORSOrigin(origin string) bool {
	if origin == "" || a.cfg == nil {
		return false
	}
	if a.cfg.PublicBaseURL != "" && origin == a.cfg.PublicBaseURL {
		return true
	}
	if !strings.EqualFold(a.cfg.Env, "development") {
		return false
	}
	return origin == devCORSOriginLocalhost || origin == devCORSOriginLoopback
}

func (a *App) clock() time.Time {
	if a.now != nil {
		return a.now().UTC()
	}
	return time.Now().UTC()
}

func writeAPIError(c *gin.Context, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		c.JSON(apiErr.Status, gin.H{"error": apiErr.Code, "message": apiErr.Message})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
