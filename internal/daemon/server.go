package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/felixgeelhaar/fortify/bulkhead"
	"github.com/felixgeelhaar/fortify/ratelimit"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/mecaflow/internal/client"
	"github.com/felixgeelhaar/mecaflow/internal/config"
	"github.com/felixgeelhaar/mecaflow/internal/domain"
	"github.com/felixgeelhaar/mecaflow/internal/queue"
	"github.com/felixgeelhaar/mecaflow/internal/session"
	"github.com/felixgeelhaar/mecaflow/internal/storage"
	"github.com/felixgeelhaar/mecaflow/internal/storage/local"
	"github.com/felixgeelhaar/mecaflow/internal/storage/postgres"
	"github.com/felixgeelhaar/mecaflow/internal/storage/sqlite"
	"github.com/felixgeelhaar/mecaflow/internal/submission"
	"github.com/felixgeelhaar/mecaflow/internal/validation"
)

// Version is reported by /v1/status
var Version = "0.1.0"

// sessionKey names the single learner session held by a daemon
const sessionKey = "current"

// Catalog lists courses and exercises. *client.Client implements it.
type Catalog interface {
	Courses(ctx context.Context) ([]domain.Course, error)
	Exercises(ctx context.Context, courseID string) ([]domain.Exercise, error)
}

// Server represents the mecaflow daemon HTTP server
type Server struct {
	cfg    *config.LocalConfig
	server *http.Server
	router *http.ServeMux

	engine      *validation.Engine
	session     *session.Session
	api         *client.Client
	catalog     Catalog
	submissions *submission.Service
	history     storage.VerdictStore
	db          *sqlite.DB
	pool        *pgxpool.Pool
	redis       *redis.Client

	queueConn       *queue.Connection
	producer        *queue.Producer
	consumer        *queue.Consumer
	verdictConsumer *queue.VerdictConsumer

	evaluations bulkhead.Bulkhead[domain.Verdict]
	limiter     ratelimit.RateLimiter
	startedAt   time.Time
}

// ServerConfig holds configuration for creating a new server
type ServerConfig struct {
	Config  *config.LocalConfig
	DataDir string // defaults to config.EnsureDataDir()
}

// NewServer creates a new daemon server
func NewServer(ctx context.Context, cfg ServerConfig) (*Server, error) {
	s := &Server{
		cfg:       cfg.Config,
		router:    http.NewServeMux(),
		engine:    validation.NewEngine(nil),
		startedAt: time.Now(),
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dir, err := config.EnsureDataDir()
		if err != nil {
			return nil, fmt.Errorf("ensure data dir: %w", err)
		}
		dataDir = dir
	}

	port, err := s.sessionPort(ctx, dataDir)
	if err != nil {
		return nil, err
	}
	s.session, err = session.Open(ctx, port)
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("open session: %w", err)
	}

	s.api = client.New(client.Config{
		BaseURL:       s.cfg.Backend.URL,
		Timeout:       s.cfg.Backend.Timeout(),
		RetryAttempts: s.cfg.Backend.RetryAttempts,
	}, s.session)
	s.catalog = s.api

	opts := submission.Options{Engine: s.engine, Session: s.session}

	if s.cfg.History.Enabled {
		if err := s.openHistory(ctx, dataDir); err != nil {
			s.closeStores()
			return nil, err
		}
		opts.History = s.history
	}

	if s.cfg.Queue.Enabled {
		if err := s.setupQueue(); err != nil {
			s.closeStores()
			return nil, err
		}
		opts.Publisher = s.producer
	}

	s.submissions = submission.NewService(s.api, opts)

	workers := runtime.NumCPU()
	s.evaluations = bulkhead.New[domain.Verdict](bulkhead.Config{
		MaxConcurrent: workers,
		MaxQueue:      workers * 4,
		QueueTimeout:  5 * time.Second,
	})

	rate := s.cfg.Daemon.RateLimit
	if rate <= 0 {
		rate = 20
	}
	s.limiter = ratelimit.New(&ratelimit.Config{
		Rate:     rate,
		Burst:    rate * 2,
		Interval: time.Second,
	})

	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", s.cfg.Daemon.Bind, s.cfg.Daemon.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.cfg.Backend.Timeout() + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

func (s *Server) sessionPort(ctx context.Context, dataDir string) (session.Port, error) {
	switch s.cfg.Session.Store {
	case config.SessionStoreRedis:
		rc, err := session.NewRedisClient(ctx, s.cfg.Session.Redis.Addr, s.cfg.Session.Redis.Password, s.cfg.Session.Redis.DB)
		if err != nil {
			return nil, err
		}
		s.redis = rc
		slog.Info("using redis session store", "addr", s.cfg.Session.Redis.Addr)
		return session.NewRedisPort(rc, sessionKey, s.cfg.Session.Redis.TTL()), nil
	default:
		store, err := local.NewStore(dataDir)
		if err != nil {
			return nil, fmt.Errorf("create session store: %w", err)
		}
		return session.NewLocalPort(store, sessionKey), nil
	}
}

func (s *Server) openHistory(ctx context.Context, dataDir string) error {
	switch s.cfg.History.Driver {
	case config.HistoryDriverPostgres:
		pool, err := postgres.Open(ctx, s.cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		s.pool = pool
		store := postgres.NewVerdictStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate history: %w", err)
		}
		s.history = store
	default:
		db, err := sqlite.Open(s.cfg.HistoryPath(dataDir))
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		s.db = db
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate history: %w", err)
		}
		s.history = sqlite.NewVerdictStore(db)
	}
	slog.Info("verdict history enabled", "driver", s.cfg.History.Driver)
	return nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Health & status
	s.router.HandleFunc("GET /v1/health", s.handleHealth)
	s.router.HandleFunc("GET /v1/status", s.handleStatus)

	// Evaluation
	s.router.HandleFunc("POST /v1/evaluate", s.handleEvaluate)
	s.router.HandleFunc("POST /v1/gradings", s.handleEnqueueGrading)
	s.router.HandleFunc("POST /v1/quiz", s.handleQuiz)

	// Progression
	s.router.HandleFunc("POST /v1/progression", s.handleProgression)
	s.router.HandleFunc("POST /v1/courses/progress", s.handleCourseProgress)
	s.router.HandleFunc("GET /v1/rank", s.handleRank)

	// Verdict history
	s.router.HandleFunc("GET /v1/verdicts", s.handleListVerdicts)
	s.router.HandleFunc("GET /v1/verdicts/{id}", s.handleGetVerdict)

	// Session
	s.router.HandleFunc("POST /v1/login", s.handleLogin)
	s.router.HandleFunc("POST /v1/logout", s.handleLogout)
	s.router.HandleFunc("GET /v1/session", s.handleGetSession)
	s.router.HandleFunc("POST /v1/sync", s.handleSync)

	// Submissions
	s.router.HandleFunc("POST /v1/submissions", s.handleSubmit)
	s.router.HandleFunc("DELETE /v1/submissions/current", s.handleCancelSubmission)
}

// Handler returns the router wrapped in the middleware chain
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = rateLimitMiddleware(s.limiter)(h)
	h = correlationIDMiddleware(h)
	h = loggingMiddleware(h)
	return recoveryMiddleware(h)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	if s.consumer != nil {
		if err := s.startQueue(context.Background()); err != nil {
			return err
		}
	}
	slog.Info("starting mecaflow daemon",
		"addr", s.server.Addr,
		"backend", s.cfg.Backend.URL,
		"session_store", s.cfg.Session.Store,
		"history", s.history != nil,
		"queue", s.queueConn != nil,
	)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down daemon...")

	err := s.server.Shutdown(ctx)
	if id, ok := s.submissions.InFlight(); ok {
		slog.Info("cancelling in-flight submission", "submission_id", id)
		_ = s.submissions.Cancel()
	}
	s.stopQueue()
	if cerr := s.limiter.Close(); cerr != nil {
		slog.Warn("failed to close rate limiter", "error", cerr)
	}
	s.closeStores()
	return err
}

func (s *Server) closeStores() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("failed to close history", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			slog.Warn("failed to close redis", "error", err)
		}
	}
}

// Helper methods

type errorBody struct {
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data)
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message string, err error) {
	body := errorBody{Error: message, Status: status}
	if err != nil {
		body.Details = err.Error()
	}
	writeJSON(w, status, body)
}

// maxBodyBytes bounds JSON request bodies
const maxBodyBytes = 16 << 20

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// errorStatus maps domain and backend errors to HTTP statuses
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrMissingUpload),
		errors.Is(err, domain.ErrInvalidFileType):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotAuthenticated),
		errors.Is(err, domain.ErrSessionExpired),
		errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrCourseNotFound),
		errors.Is(err, domain.ErrExerciseNotFound),
		errors.Is(err, domain.ErrVerdictNotFound),
		errors.Is(err, domain.ErrNoActiveSubmission),
		errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSubmissionSuperseded),
		errors.Is(err, domain.ErrSubmissionCancelled):
		return http.StatusConflict
	case errors.Is(err, domain.ErrBackend), client.StatusCode(err) != 0:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, message string, err error) {
	s.jsonError(w, errorStatus(err), message, err)
}
