// Package server provides the HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bryan-buckman/feedhub/internal/database"
	"github.com/bryan-buckman/feedhub/internal/discovery"
	"github.com/bryan-buckman/feedhub/internal/fetch"
	"github.com/bryan-buckman/feedhub/internal/opml"
	"github.com/bryan-buckman/feedhub/internal/rss"
	"github.com/bryan-buckman/feedhub/internal/subscription"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const (
	defaultItemLimit = 50
	maxItemLimit     = 500
	maxOPMLBytes     = 5 << 20
)

// Server is the main HTTP server.
type Server struct {
	db        database.Store
	subs      *subscription.Service
	scheduler *rss.Scheduler
	router    chi.Router
	http      *http.Server
}

// New creates a new server.
func New(db database.Store, subs *subscription.Service, scheduler *rss.Scheduler) *Server {
	s := &Server{
		db:        db,
		subs:      subs,
		scheduler: scheduler,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: log.StandardLogger(), NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/feeds", s.handleListFeeds)
		r.Post("/feeds", s.handleSubscribe)
		r.Post("/discover", s.handleDiscover)
		r.Post("/refresh", s.handleRefreshAll)
		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)

		r.Route("/feeds/{feedID}", func(r chi.Router) {
			r.Get("/", s.handleGetFeed)
			r.Get("/items", s.handleItems)
			r.Get("/count", s.handleCount)
			r.Post("/refresh", s.handleRefreshFeed)
			r.Post("/reactivate", s.handleReactivate)
		})
	})

	s.router = r
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the scheduler and serves on addr until Shutdown.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.scheduler.Start(ctx)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithField("addr", addr).Info("Server starting")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.scheduler.Stop()
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then stops the scheduler and waits for
// background syncs.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.scheduler.Stop()
	s.subs.Wait()
	return err
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"database":  s.db.DatabaseType(),
		"scheduler": s.scheduler.State().String(),
	})
}

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.db.GetActiveFeeds(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feeds)
}

type urlRequest struct {
	URL string `json:"url"`
}

func decodeURL(r *http.Request) (string, error) {
	var req urlRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		return "", fmt.Errorf("%w: invalid request body", subscription.ErrURLRequired)
	}
	return req.URL, nil
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	rawURL, err := decodeURL(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.subs.Subscribe(r.Context(), rawURL)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	rawURL, err := decodeURL(r)
	if err != nil {
		writeError(w, err)
		return
	}
	preview, err := s.subs.Discover(r.Context(), rawURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	feedID, ok := feedIDParam(w, r)
	if !ok {
		return
	}
	feed, err := s.db.GetFeedByID(r.Context(), feedID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	feedID, ok := feedIDParam(w, r)
	if !ok {
		return
	}
	limit := defaultItemLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxItemLimit)
	}
	if _, err := s.db.GetFeedByID(r.Context(), feedID); err != nil {
		writeError(w, err)
		return
	}
	items, err := s.db.GetItems(r.Context(), feedID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	feedID, ok := feedIDParam(w, r)
	if !ok {
		return
	}
	if _, err := s.db.GetFeedByID(r.Context(), feedID); err != nil {
		writeError(w, err)
		return
	}
	count, err := s.db.CountItems(r.Context(), feedID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleRefreshFeed(w http.ResponseWriter, r *http.Request) {
	feedID, ok := feedIDParam(w, r)
	if !ok {
		return
	}
	added, err := s.subs.Refresh(r.Context(), feedID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "Feed refreshed",
		"items_added": added,
	})
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	feedID, ok := feedIDParam(w, r)
	if !ok {
		return
	}
	if err := s.db.ReactivateFeed(r.Context(), feedID); err != nil {
		writeError(w, err)
		return
	}
	feed, err := s.db.GetFeedByID(r.Context(), feedID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	result, err := s.scheduler.RunPass(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"feeds":       result.Feeds,
		"succeeded":   result.Succeeded,
		"failed":      result.Failed,
		"skipped":     result.Skipped,
		"new_items":   result.NewItems,
		"deactivated": result.Deactivated,
	})
}

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxOPMLBytes)
	var body io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("opml")
		if err != nil {
			http.Error(w, "No file provided", http.StatusBadRequest)
			return
		}
		defer file.Close()
		body = file
	}

	entries, err := opml.Parse(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to parse OPML: %v", err), http.StatusBadRequest)
		return
	}
	res, err := s.subs.Import(r.Context(), entries)
	if err != nil {
		writeError(w, err)
		return
	}
	log.WithFields(log.Fields{"imported": res.Imported, "existing": res.Existing, "failed": res.Failed}).Info("OPML imported")
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	entries, err := s.subs.Export(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := opml.Export("feedhub feeds", entries)
	if err != nil {
		http.Error(w, "Failed to export", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=feedhub-feeds.opml")
	w.Write(data)
}

// --- Helpers ---

func feedIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	feedID, err := strconv.ParseInt(chi.URLParam(r, "feedID"), 10, 64)
	if err != nil || feedID <= 0 {
		http.Error(w, "Invalid feed id", http.StatusBadRequest)
		return 0, false
	}
	return feedID, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Error encoding response")
	}
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	body := map[string]interface{}{"error": err.Error()}
	status := http.StatusInternalServerError

	var discErr *discovery.Error
	var fetchErr *rss.FetchError
	switch {
	case errors.Is(err, subscription.ErrURLRequired):
		status = http.StatusBadRequest
	case errors.Is(err, database.ErrNotFound):
		status, body["error"] = http.StatusNotFound, "Feed not found"
	case errors.Is(err, discovery.ErrFeedNotFound):
		status, body["error"] = http.StatusNotFound, "Could not discover RSS feed"
	case errors.As(err, &discErr):
		status = http.StatusBadRequest
	case errors.Is(err, subscription.ErrUnreadableFeed):
		status = http.StatusBadGateway
	case errors.As(err, &fetchErr):
		status = http.StatusBadGateway
		body["error_count"] = fetchErr.ErrorCount
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		var statusErr *fetch.StatusError
		if errors.As(err, &statusErr) {
			status = http.StatusBadGateway
		} else {
			log.WithError(err).Error("Request failed")
		}
	}
	writeJSON(w, status, body)
}
