package runtime

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quakeflow/quakeflow/internal/broadcast"
	"github.com/quakeflow/quakeflow/internal/jsoncodec"
	loggingpkg "github.com/quakeflow/quakeflow/internal/logging"
	storepkg "github.com/quakeflow/quakeflow/internal/store"
)

// registerAPIRoutes attaches the operational HTTP surface: health, subscriber
// status, the SSE stream endpoints, and the detection history API.
func (s *Service) registerAPIRoutes() {
	port := s.Conf.APIPort
	if port <= 0 {
		return
	}

	s.RegisterHTTPHandler(port, "/health", s.withCORS(http.HandlerFunc(s.handleHealth)))
	s.RegisterHTTPHandler(port, "/ws/status", s.withCORS(http.HandlerFunc(s.handleStatus)))

	s.RegisterHTTPHandler(port, "/stream/waveforms",
		broadcast.SSEHandler(s.broadcaster, broadcast.TopicWaveforms, s.Logger))
	s.RegisterHTTPHandler(port, "/stream/detections",
		broadcast.SSEHandler(s.broadcaster, broadcast.TopicDetections, s.Logger))

	s.RegisterHTTPHandler(port, "/detections", s.withCORS(http.HandlerFunc(s.handleListDetections)))
	s.RegisterHTTPHandler(port, "/detections/stats/comparison", s.withCORS(http.HandlerFunc(s.handleComparisonStats)))
	s.RegisterHTTPHandler(port, "/detections/stats/recent", s.withCORS(http.HandlerFunc(s.handleRecentStats)))
	s.RegisterHTTPHandler(port, "/detections/{eventID}", s.withCORS(http.HandlerFunc(s.handleEventDetections)))
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "quakeflow",
	})
}

// handleStatus reports live subscriber counts per broadcast topic.
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"connections": s.broadcaster.ConnectionCounts(),
		"channels":    s.broadcaster.Topics(),
	})
}

func (s *Service) handleListDetections(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}

	filter := storepkg.Filter{
		Limit:        queryInt(r, "limit", 100),
		Offset:       queryInt(r, "skip", 0),
		ModelName:    r.URL.Query().Get("detection_model_name"),
		DetectedOnly: queryBool(r, "detected_only"),
	}

	records, err := s.store.ListDetections(r.Context(), filter)
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	if records == nil {
		records = []storepkg.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Service) handleEventDetections(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}

	eventID := r.PathValue("eventID")
	records, err := s.store.EventDetections(r.Context(), eventID)
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	if len(records) == 0 {
		s.writeError(w, http.StatusNotFound, "event not found")
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Service) handleComparisonStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}

	days := queryInt(r, "days", 7)
	since := time.Now().UTC().AddDate(0, 0, -days)

	stats, err := s.store.ComparisonStats(r.Context(), since)
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"period_days":    days,
		"total_events":   stats.TotalEvents,
		"agreements":     stats.Agreements,
		"disagreements":  stats.Disagreements,
		"agreement_rate": stats.AgreementRate,
		"model_stats":    stats.ModelStats,
	})
}

func (s *Service) handleRecentStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}

	hours := queryInt(r, "hours", 24)
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	stats, err := s.store.RecentStats(r.Context(), since)
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"period_hours":        hours,
		"total_detections":    stats.TotalDetections,
		"earthquake_detected": stats.Detected,
		"no_detection":        stats.NotDetected,
		"detection_rate":      stats.DetectionRate,
	})
}

// withCORS applies the configured CORS policy and answers preflight requests.
// Every API endpoint is read-only.
func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowedCORSOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			next.ServeHTTP(w, r)
		default:
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for a
// request origin, or "" when CORS is disabled or the origin is not allowed.
func (s *Service) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode API response", err, nil)
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Service) apiError(w http.ResponseWriter, r *http.Request, err error) {
	s.Logger.Error("API query failed", err, loggingpkg.LogFields{"path": r.URL.Path})
	s.writeError(w, http.StatusInternalServerError, "internal server error")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}
