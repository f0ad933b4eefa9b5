// Package api exposes the membership, calendar and task services over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"sitecrew/services/calendar"
	"sitecrew/services/membership"
	"sitecrew/services/tasks"
)

const (
	defaultRateLimit = 300
	defaultPhotoTTL  = 15 * time.Minute
	keepAlive        = 25 * time.Second
)

// PhotoStore presigns profile photo uploads and downloads; *s3.Client satisfies it.
type PhotoStore interface {
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	SigningKey     []byte
	Issuer         string
	AllowedOrigins []string
	// RateLimit is requests per minute per client IP; negative disables it.
	RateLimit int
	// PhotoTTL is the lifetime of presigned photo URLs.
	PhotoTTL time.Duration
	Gatherer prometheus.Gatherer
	// Ready reports backing-store health for /readyz.
	Ready func(context.Context) error
}

// Services are the domain services the API serves.
type Services struct {
	Members  *membership.Workflow
	Calendar *calendar.Service
	Tasks    *tasks.Service
	Photos   PhotoStore
}

// API wires services and configuration for HTTP handlers.
type API struct {
	members  *membership.Workflow
	calendar *calendar.Service
	tasks    *tasks.Service
	photos   PhotoStore
	config   Config
	log      zerolog.Logger
}

// New validates dependencies and applies defaults to cfg.
func New(svc Services, cfg Config, log zerolog.Logger) (*API, error) {
	if svc.Members == nil {
		return nil, errors.New("membership workflow is required")
	}
	if svc.Calendar == nil || svc.Tasks == nil {
		return nil, errors.New("calendar and task services are required")
	}
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("signing key is required")
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.PhotoTTL <= 0 {
		cfg.PhotoTTL = defaultPhotoTTL
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &API{
		members:  svc.Members,
		calendar: svc.Calendar,
		tasks:    svc.Tasks,
		photos:   svc.Photos,
		config:   cfg,
		log:      log,
	}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	// credentials are only sent to an explicit allow-list, never to "*"
	allowed := a.config.AllowedOrigins
	credentials := len(allowed) > 0
	if !credentials {
		allowed = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: credentials,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))
	if a.config.RateLimit > 0 {
		r.Use(httprate.LimitByIP(a.config.RateLimit, time.Minute))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.config.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.authenticate)

		// long-lived streams stay outside the request timeout
		r.Get("/invitations/stream", a.handleInvitationStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/me", a.handleGetProfile)
			r.Put("/me", a.handleCompleteProfile)
			r.Post("/me/photo", a.handlePresignPhoto)
			r.Put("/me/photo", a.handleSetPhoto)
			r.Get("/users/{userID}", a.handleGetUser)
			r.Get("/users/{userID}/photo", a.handleUserPhoto)

			r.Get("/projects", a.handleListProjects)
			r.Post("/projects", a.handleCreateProject)
			r.Get("/projects/{projectID}", a.handleGetProject)
			r.Patch("/projects/{projectID}/settings", a.handleUpdateSettings)
			r.Get("/projects/{projectID}/messages", a.handleListMessages)
			r.Post("/projects/{projectID}/messages", a.handlePostMessage)
			r.Put("/projects/{projectID}/messages/{messageID}/pin", a.handlePinMessage(true))
			r.Delete("/projects/{projectID}/messages/{messageID}/pin", a.handlePinMessage(false))
			r.Post("/projects/{projectID}/invitations", a.handleInviteToProject)
			r.Get("/projects/{projectID}/tasks", a.handleListTasks)
			r.Post("/projects/{projectID}/tasks", a.handleCreateTask)
			r.Patch("/projects/{projectID}/tasks/{taskID}", a.handleUpdateTask)
			r.Put("/projects/{projectID}/tasks/{taskID}", a.handleEditTask)
			r.Delete("/projects/{projectID}/tasks/{taskID}", a.handleDeleteTask)
			r.Get("/projects/{projectID}/tasks/{taskID}/comments", a.handleListComments)
			r.Post("/projects/{projectID}/tasks/{taskID}/comments", a.handleAddComment)

			r.Get("/invitations", a.handlePendingInvitations)
			r.Post("/invitations/{invitationID}/accept", a.handleRespond(true))
			r.Post("/invitations/{invitationID}/decline", a.handleRespond(false))

			r.Get("/team", a.handleTeam)
			r.Post("/team/invitations", a.handleInviteToTeam)
			r.Delete("/team/{techID}", a.handleRemoveFromTeam)
			r.Get("/network", a.handleNetwork)
			r.Post("/network", a.handleAddToNetwork)
			r.Get("/network/members", a.handleMyNetwork)
			r.Get("/network/search", a.handleSearchSubcontractors)
			r.Get("/network/recent", a.handleRecentCollaborators)
			r.Get("/network/{subID}/stats", a.handleNetworkStats)

			r.Post("/events", a.handleCreateEvent)
			r.Get("/agenda", a.handleAgenda)
			r.Post("/absences", a.handleReportAbsence)
			r.Get("/time-off", a.handleListTimeOff)
			r.Post("/time-off/{requestID}/approve", a.handleReviewTimeOff(true))
			r.Post("/time-off/{requestID}/deny", a.handleReviewTimeOff(false))
		})
	})

	return r, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.config.Ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.config.Ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
