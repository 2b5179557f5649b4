// Package httpingest is the HTTP ingress: push-based reading submission,
// the site registry API, and the health/readiness/metrics endpoints.
package httpingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nautilux/reef-data-ingest/internal/domain"
	"github.com/nautilux/reef-data-ingest/internal/sites"
)

// maxPayloadBytes bounds a single pushed payload. Sonar sweeps are the
// largest legitimate input at a few megabytes.
const maxPayloadBytes = 32 << 20

// Ingestor accepts raw payloads for processing. pipeline.Pipeline is the
// production implementation.
type Ingestor interface {
	Ingest(ctx context.Context, raw domain.RawPayload) (int, error)
}

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// Server exposes the ingest API, the site registry API, and the operational
// endpoints.
type Server struct {
	httpServer *http.Server
	ingestor   Ingestor
	registry   *sites.Registry
	refresher  *sites.Refresher
	ready      ReadinessChecker
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewServer builds the route tree and wraps it in an http.Server.
func NewServer(addr string, ingestor Ingestor, registry *sites.Registry, refresher *sites.Refresher, ready ReadinessChecker, clock clockwork.Clock, logger *slog.Logger) *Server {
	s := &Server{
		ingestor:  ingestor,
		registry:  registry,
		refresher: refresher,
		ready:     ready,
		clock:     clock,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/ingest", func(r chi.Router) {
			r.Post("/sensor", s.handleIngest(domain.CategorySensor))
			r.Post("/sonar", s.handleIngest(domain.CategorySonar))
			r.Post("/image", s.handleIngest(domain.CategoryImage))
		})
		r.Route("/sites", func(r chi.Router) {
			r.Get("/", s.handleListSites)
			r.Post("/", s.handleCreateSite)
			r.Get("/nearby", s.handleNearby)
			r.Get("/summary", s.handleSummary)
			r.Route("/{siteID}", func(r chi.Router) {
				r.Get("/", s.handleGetSite)
				r.Put("/", s.handleUpdateSite)
				r.Delete("/", s.handleDeleteSite)
				r.Post("/refresh", s.handleRefreshSite)
				r.Get("/zones", s.handleListZones)
				r.Post("/zones", s.handleAddZone)
			})
		})
	})

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.ready.CheckReadiness(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleIngest accepts a pushed payload. The response commits only to the
// payload having decoded; processing continues asynchronously, so success is
// 202, not 200.
func (s *Server) handleIngest(category domain.Category) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("read payload: %w", err))
			return
		}
		if len(body) == 0 {
			writeError(w, http.StatusBadRequest, errors.New("empty payload"))
			return
		}
		if len(body) > maxPayloadBytes {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Errorf("payload exceeds %d bytes", maxPayloadBytes))
			return
		}

		ref := r.Header.Get("X-Ingest-Ref")
		if ref == "" {
			ref = uuid.NewString()
		}

		prov := domain.Provenance{
			Channel:    "http",
			Ref:        ref,
			ReceivedAt: s.clock.Now().UTC(),
		}
		if err := placementFromQuery(r, &prov); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		raw := domain.RawPayload{
			Data:       body,
			Category:   category,
			Encoding:   encodingFor(category, r.Header.Get("Content-Type")),
			Provenance: prov,
		}

		accepted, err := s.ingestor.Ingest(r.Context(), raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"ref":      ref,
			"accepted": accepted,
		})
	}
}

// placementFromQuery reads the caller-declared site placement for payloads
// whose bytes carry no coordinates: ?site_id=N or ?lat=..&lon=.. become
// provenance hints the enricher resolves against.
func placementFromQuery(r *http.Request, prov *domain.Provenance) error {
	if v := r.URL.Query().Get("site_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return errors.New("site_id must be a positive integer")
		}
		prov.SiteID = &id
	}

	latRaw, lonRaw := r.URL.Query().Get("lat"), r.URL.Query().Get("lon")
	if latRaw == "" && lonRaw == "" {
		return nil
	}
	lat, err1 := strconv.ParseFloat(latRaw, 64)
	lon, err2 := strconv.ParseFloat(lonRaw, 64)
	if err1 != nil || err2 != nil {
		return errors.New("lat and lon must both be numbers")
	}
	prov.Latitude = &lat
	prov.Longitude = &lon
	return nil
}

// encodingFor maps the request content type onto a payload encoding. Images
// are opaque blobs regardless of the declared type; sensor and sonar default
// to JSON with content-type opt-ins for CSV and raw sweeps.
func encodingFor(category domain.Category, contentType string) domain.Encoding {
	switch category {
	case domain.CategoryImage:
		return domain.EncodingBinary
	case domain.CategorySonar:
		if contentType == "application/octet-stream" {
			return domain.EncodingBinary
		}
		return domain.EncodingJSON
	default:
		if contentType == "text/csv" {
			return domain.EncodingCSV
		}
		return domain.EncodingJSON
	}
}

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	filter := sites.ListFilter{
		SiteType: r.URL.Query().Get("site_type"),
	}
	if status := r.URL.Query().Get("health_status"); status != "" {
		filter.HealthStatus = domain.ParseHealthStatus(status)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	writeJSON(w, http.StatusOK, s.registry.List(filter))
}

func (s *Server) handleCreateSite(w http.ResponseWriter, r *http.Request) {
	var site domain.Site
	if err := json.NewDecoder(r.Body).Decode(&site); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode site: %w", err))
		return
	}
	created, err := s.registry.Create(site)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetSite(w http.ResponseWriter, r *http.Request) {
	id, ok := siteID(w, r)
	if !ok {
		return
	}
	site, err := s.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) handleUpdateSite(w http.ResponseWriter, r *http.Request) {
	id, ok := siteID(w, r)
	if !ok {
		return
	}
	var site domain.Site
	if err := json.NewDecoder(r.Body).Decode(&site); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode site: %w", err))
		return
	}
	site.ID = id
	updated, err := s.registry.Update(site)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteSite(w http.ResponseWriter, r *http.Request) {
	id, ok := siteID(w, r)
	if !ok {
		return
	}
	if err := s.registry.Delete(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefreshSite(w http.ResponseWriter, r *http.Request) {
	id, ok := siteID(w, r)
	if !ok {
		return
	}
	if err := s.refresher.RefreshSite(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, sites.ErrRefreshInFlight):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, sites.ErrSiteNotFound):
			writeError(w, http.StatusNotFound, err)
		default:
			writeError(w, http.StatusBadGateway, err)
		}
		return
	}
	site, err := s.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, errors.New("lat and lon query parameters are required"))
		return
	}
	radius := 50.0
	if v := r.URL.Query().Get("radius_km"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("radius_km must be a positive number"))
			return
		}
		radius = parsed
	}
	writeJSON(w, http.StatusOK, s.registry.Nearby(lat, lon, radius))
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Summary(s.clock.Now()))
}

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	id, ok := siteID(w, r)
	if !ok {
		return
	}
	zones, err := s.registry.Zones(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, zones)
}

func (s *Server) handleAddZone(w http.ResponseWriter, r *http.Request) {
	id, ok := siteID(w, r)
	if !ok {
		return
	}
	var zone sites.Zone
	if err := json.NewDecoder(r.Body).Decode(&zone); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode zone: %w", err))
		return
	}
	zone.SiteID = id
	created, err := s.registry.AddZone(zone)
	if err != nil {
		if errors.Is(err, sites.ErrSiteNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func siteID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "siteID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("site ID must be an integer"))
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
