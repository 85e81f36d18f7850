package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/RoseOO/tapestream/internal/auth"
	"github.com/RoseOO/tapestream/internal/config"
	"github.com/RoseOO/tapestream/internal/database"
	"github.com/RoseOO/tapestream/internal/jobs"
	"github.com/RoseOO/tapestream/internal/logging"
	"github.com/RoseOO/tapestream/internal/models"
	"github.com/RoseOO/tapestream/internal/registry"
	"github.com/RoseOO/tapestream/internal/scheduler"
	"github.com/RoseOO/tapestream/internal/sysmon"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type ctxKey string

const claimsKey ctxKey = "claims"

// Drive is the read-only slice of the tape device the API exposes.
type Drive interface {
	Status(ctx context.Context) (*models.DriveStatus, error)
	IsReadyForWrite(ctx context.Context) (bool, string)
}

// Changer triggers the tape change protocol on operator demand.
type Changer interface {
	ChangeTape(ctx context.Context) error
}

// Server represents the API server
type Server struct {
	router      *chi.Mux
	db          *database.DB
	authService *auth.Service
	jobManager  *jobs.Manager
	registry    *registry.Registry
	scheduler   *scheduler.Service
	drive       Drive
	changer     Changer
	monitor     *sysmon.Monitor
	logger      *logging.Logger
	config      *config.Config
}

// NewServer creates a new API server
func NewServer(
	db *database.DB,
	authService *auth.Service,
	jobManager *jobs.Manager,
	reg *registry.Registry,
	sched *scheduler.Service,
	drive Drive,
	chg Changer,
	monitor *sysmon.Monitor,
	logger *logging.Logger,
	cfg *config.Config,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		db:          db,
		authService: authService,
		jobManager:  jobManager,
		registry:    reg,
		scheduler:   sched,
		drive:       drive,
		changer:     chg,
		monitor:     monitor,
		logger:      logger,
		config:      cfg,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public routes
	r.Post("/api/v1/auth/login", s.handleLogin)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/api/v1/auth/change-password", s.handleChangePassword)

		// Jobs
		r.Route("/api/v1/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleCreateJob)
			r.Get("/history", s.handleJobHistory)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/cancel", s.handleCancelJob)
			r.Post("/{id}/pause", s.handlePauseJob)
			r.Post("/{id}/resume", s.handleResumeJob)
		})

		// Registry
		r.Route("/api/v1/registry", func(r chi.Router) {
			r.Get("/", s.handleListRegistry)
			r.Get("/find", s.handleFindBackup)
			r.Get("/verify", s.handleVerifyRegistry)
			r.Post("/prune", s.handlePruneRegistry)
			r.Post("/rebuild", s.handleRebuildRegistry)
		})

		// Schedules
		r.Route("/api/v1/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleCreateSchedule)
			r.Get("/{id}", s.handleGetSchedule)
			r.Put("/{id}", s.handleUpdateSchedule)
			r.Delete("/{id}", s.handleDeleteSchedule)
		})

		// System
		r.Get("/api/v1/system/status", s.handleSystemStatus)
		r.Post("/api/v1/system/tape-change", s.handleTapeChange)

		// Users (admin only)
		r.Route("/api/v1/users", func(r chi.Router) {
			r.Use(s.adminOnlyMiddleware)
			r.Post("/", s.handleCreateUser)
		})
	})
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tokenStr string

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenStr = parts[1]
			}
		}

		if tokenStr == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization")
			return
		}

		claims, err := s.authService.ValidateToken(tokenStr)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := r.Context().Value(claimsKey).(*auth.Claims)
		if claims.Role != models.RoleAdmin {
			s.respondError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Helper functions

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) getIDParam(r *http.Request) (int64, error) {
	idStr := chi.URLParam(r, "id")
	return strconv.ParseInt(idStr, 10, 64)
}

// Auth handlers

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, user, err := s.authService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user": map[string]interface{}{
			"id":       user.ID,
			"username": user.Username,
			"role":     user.Role,
		},
	})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(claimsKey).(*auth.Claims)

	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.NewPassword == "" {
		s.respondError(w, http.StatusBadRequest, "new password must not be empty")
		return
	}

	if err := s.authService.UpdatePassword(r.Context(), claims.Username, req.OldPassword, req.NewPassword); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "password updated"})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string          `json:"username"`
		Password string          `json:"password"`
		Role     models.UserRole `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		s.respondError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	switch req.Role {
	case models.RoleAdmin, models.RoleOperator, models.RoleReadOnly:
	default:
		s.respondError(w, http.StatusBadRequest, "invalid role")
		return
	}

	user, err := s.authService.CreateUser(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			s.respondError(w, http.StatusConflict, "user already exists")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusCreated, user)
}

// Job handlers

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	jobList := s.jobManager.List(status)
	if jobList == nil {
		jobList = []models.Job{}
	}
	s.respondJSON(w, http.StatusOK, jobList)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type   models.JobType   `json:"type"`
		Params models.JobParams `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := s.jobManager.Create(req.Type, req.Params)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobManager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	err := s.jobManager.Cancel(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		s.respondError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrJobTerminal):
		s.respondError(w, http.StatusConflict, "job already finished")
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	default:
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
	}
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobManager.Pause(chi.URLParam(r, "id")); err != nil {
		s.respondJobControlError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobManager.Resume(chi.URLParam(r, "id")); err != nil {
		s.respondJobControlError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) respondJobControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		s.respondError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrNotPausable):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	records, err := s.db.ListJobRecords(r.Context(), limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []models.JobRecord{}
	}
	s.respondJSON(w, http.StatusOK, records)
}

// Registry handlers

func (s *Server) handleListRegistry(w http.ResponseWriter, r *http.Request) {
	entries, err := s.registry.List()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []models.RegistryEntry{}
	}
	s.respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleFindBackup(w http.ResponseWriter, r *http.Request) {
	label := r.URL.Query().Get("label")
	if label == "" {
		s.respondError(w, http.StatusBadRequest, "label query parameter is required")
		return
	}

	entry, err := s.registry.Find(label)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleVerifyRegistry(w http.ResponseWriter, r *http.Request) {
	issues, err := s.registry.Verify()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if issues == nil {
		issues = []registry.Issue{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"issues": issues,
		"count":  len(issues),
	})
}

func (s *Server) handlePruneRegistry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxAgeDays int `json:"max_age_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MaxAgeDays <= 0 {
		s.respondError(w, http.StatusBadRequest, "max_age_days must be positive")
		return
	}

	removed, err := s.registry.Prune(req.MaxAgeDays)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleRebuildRegistry(w http.ResponseWriter, r *http.Request) {
	manifestDir := s.config.Registry.ManifestDir

	var req struct {
		ManifestDir string `json:"manifest_dir"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.ManifestDir != "" {
			manifestDir = req.ManifestDir
		}
	}

	rebuilt, err := s.registry.RebuildFromManifests(manifestDir)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"rebuilt": rebuilt})
}

// Schedule handlers

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.db.ListSchedules(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type scheduleView struct {
		models.Schedule
		NextRunAt *time.Time `json:"next_run_at,omitempty"`
	}
	views := make([]scheduleView, 0, len(schedules))
	for _, sched := range schedules {
		view := scheduleView{Schedule: sched}
		if s.scheduler != nil {
			view.NextRunAt = s.scheduler.NextRun(sched.ID)
		}
		views = append(views, view)
	}
	s.respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var sched models.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if sched.Name == "" || sched.SourcePath == "" || sched.Label == "" {
		s.respondError(w, http.StatusBadRequest, "name, source_path and label are required")
		return
	}
	if err := scheduler.ParseCron(sched.CronExpr); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
		return
	}

	if err := s.db.CreateSchedule(r.Context(), &sched); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.scheduler != nil {
		if err := s.scheduler.Add(&sched); err != nil {
			s.logger.Warn("Failed to register new schedule", map[string]interface{}{
				"schedule_id": sched.ID,
				"error":       err.Error(),
			})
		}
	}

	s.respondJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	sched, err := s.db.GetSchedule(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	var sched models.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sched.ID = id
	if err := scheduler.ParseCron(sched.CronExpr); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
		return
	}

	if err := s.db.UpdateSchedule(r.Context(), &sched); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.scheduler != nil {
		if err := s.scheduler.Add(&sched); err != nil {
			s.logger.Warn("Failed to re-register schedule", map[string]interface{}{
				"schedule_id": sched.ID,
				"error":       err.Error(),
			})
		}
	}

	s.respondJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	if err := s.db.DeleteSchedule(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.scheduler != nil {
		s.scheduler.Remove(id)
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// System handlers

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{}

	if status, err := s.drive.Status(r.Context()); err != nil {
		resp["drive_error"] = err.Error()
	} else {
		resp["drive"] = status
		if ltoType, ok := models.LTOTypeFromDensity(status.DensityCode); ok {
			resp["lto_type"] = ltoType
			if capacity, ok := models.LTOCapacities[ltoType]; ok {
				resp["native_capacity"] = capacity
				resp["native_capacity_human"] = humanize.Bytes(uint64(capacity))
			}
		}
	}
	ready, reason := s.drive.IsReadyForWrite(r.Context())
	resp["write_ready"] = ready
	if !ready {
		resp["write_ready_reason"] = reason
	}

	snap, err := s.monitor.Snapshot()
	if err != nil {
		resp["resource_error"] = err.Error()
		s.respondJSON(w, http.StatusOK, resp)
		return
	}
	resp["resources"] = snap

	requested, err := sysmon.ParseSize(s.config.Buffer.RequestedSize)
	if err == nil {
		assess := sysmon.ClassifyMemory(requested, snap)
		diskStatus, diskReason := sysmon.ClassifyDisk(snap)
		resp["memory_assessment"] = assess
		resp["disk_status"] = diskStatus
		if diskReason != "" {
			resp["disk_reason"] = diskReason
		}
		resp["buffer_plan"] = sysmon.PlanBuffer(assess, diskStatus)
	}

	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTapeChange(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(claimsKey).(*auth.Claims)
	if !auth.CheckPermission(claims.Role, "jobs.create") {
		s.respondError(w, http.StatusForbidden, "insufficient permissions")
		return
	}
	if s.changer == nil {
		s.respondError(w, http.StatusServiceUnavailable, "tape changer not configured")
		return
	}

	// A full change cycle can outlast the request timeout, so it runs
	// detached and the outcome goes to the log.
	go func() {
		if err := s.changer.ChangeTape(context.Background()); err != nil {
			s.logger.Error("Tape change failed", map[string]interface{}{"error": err.Error()})
			return
		}
		s.logger.Info("Tape change completed", nil)
	}()

	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "tape change started"})
}
