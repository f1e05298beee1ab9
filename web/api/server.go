// Package api serves the orchestrator's HTTP API and event streams.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/task-orchestrator/internal/batch"
	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/events"
	"github.com/hochfrequenz/task-orchestrator/internal/executor"
	"github.com/hochfrequenz/task-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/task-orchestrator/internal/tracker"
)

// Store is the persistence the API reads and edits
type Store interface {
	CreateTask(task *domain.Task) error
	GetTask(id string) (*domain.Task, error)
	ListTasks(opts taskstore.ListOptions) ([]*domain.Task, error)
	UpdateTask(id string, fn func(*domain.Task) error) (*domain.Task, error)
	DeleteTask(id string) error
	CreateLabel(label *domain.Label) error
	ListLabels() ([]domain.Label, error)
	DeleteLabel(id string) error
	GetSettings() (domain.Settings, error)
	SaveSettings(settings domain.Settings) error
}

// Runs exposes run history and metadata admission
type Runs interface {
	Runs(taskID string) ([]*domain.ExecutionRun, error)
	ApplySync(m *domain.ExecutionMetadataSync) (*domain.ExecutionRun, error)
	Metrics() *tracker.Metrics
}

// Runner starts and cancels standalone runs
type Runner interface {
	Start(ctx context.Context, task *domain.Task, repo domain.RepoRef, opts executor.RunOptions) (*executor.RunHandle, error)
	Get(taskID string) (*executor.RunHandle, bool)
	CancelTask(taskID string) bool
	ActiveCount() int
}

// Batches manages batch runs
type Batches interface {
	Create(ctx context.Context, req batch.CreateRequest) (*batch.Snapshot, error)
	Get(id string) (*batch.Snapshot, error)
	List() []*batch.Snapshot
	Approve(id string) (*batch.Snapshot, error)
	Skip(id string) (*batch.Snapshot, error)
	Cancel(id string) (*batch.Snapshot, error)
	CancelTask(id, taskID string) (*batch.Snapshot, error)
}

// Bus is the event bus the streams subscribe to
type Bus interface {
	events.Publisher
	Subscribe() (*events.Subscription, func())
	SubscriberCount() int
}

// Options configures a Server
type Options struct {
	Addr      string
	AuthToken string
	Store     Store
	Runs      Runs
	Runner    Runner
	Batches   Batches
	Bus       Bus
	Repo      domain.RepoRef
	Heartbeat time.Duration
	Version   string
	Logger    *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      Store
	runs       Runs
	runner     Runner
	batches    Batches
	bus        Bus
	repo       domain.RepoRef
	heartbeat  time.Duration
	version    string
	authToken  string
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	now        func() time.Time
}

// NewServer creates the API server and registers its routes
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		store:     opts.Store,
		runs:      opts.Runs,
		runner:    opts.Runner,
		batches:   opts.Batches,
		bus:       opts.Bus,
		repo:      opts.Repo,
		heartbeat: opts.Heartbeat,
		version:   opts.Version,
		authToken: opts.AuthToken,
		logger:    opts.Logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
	router.Use(requestLogger(s.logger))
	s.registerRoutes()

	// no write timeout: event streams stay open indefinitely
	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Get("/health", s.handleHealth)
		r.Get("/events", s.handleEvents)
		r.Get("/events/ws", s.handleEventsWS)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/execute", s.handleExecuteTask)
				r.Post("/cancel", s.handleCancelTask)
				r.Get("/runs", s.handleListRuns)
				r.Get("/logs", s.handleTaskLogs)
			})
		})

		r.Route("/labels", func(r chi.Router) {
			r.Get("/", s.handleListLabels)
			r.Post("/", s.handleCreateLabel)
			r.Delete("/{labelID}", s.handleDeleteLabel)
		})

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleUpdateSettings)

		r.Route("/batches", func(r chi.Router) {
			r.Get("/", s.handleListBatches)
			r.Post("/", s.handleCreateBatch)

			r.Route("/{batchID}", func(r chi.Router) {
				r.Get("/", s.handleGetBatch)
				r.Post("/cancel", s.handleCancelBatch)
				r.Post("/approve", s.handleApproveBatch)
				r.Post("/skip", s.handleSkipBatch)
				r.Post("/tasks/{taskID}/cancel", s.handleCancelBatchTask)
			})
		})

		r.Post("/execution/sync", s.handleExecutionSync)
	})
}

type healthResponse struct {
	Status      string          `json:"status"`
	Version     string          `json:"version,omitempty"`
	ActiveRuns  int             `json:"activeRuns"`
	Subscribers int             `json:"subscribers"`
	Runs        tracker.Summary `json:"runs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: s.version}
	if s.runner != nil {
		resp.ActiveRuns = s.runner.ActiveCount()
	}
	if s.bus != nil {
		resp.Subscribers = s.bus.SubscriberCount()
	}
	if s.runs != nil {
		resp.Runs = s.runs.Metrics().Summary()
	}
	writeJSON(w, http.StatusOK, resp)
}
