package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"dream_pipeline/internal/domain"
)

const maxBodyBytes = 10 << 20

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	titles, err := extractTitles(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	if len(titles) == 0 {
		s.writeError(w, http.StatusBadRequest, "No titles found")
		return
	}

	result, err := s.importer.Import(r.Context(), titles)
	if err != nil {
		s.logger.Error("import failed", "titles", len(titles), "error", err)
		s.writeError(w, http.StatusInternalServerError, "import failed")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGenerateNow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	result, err := s.admin.GenerateNow(r.Context(), id)
	if errors.Is(err, domain.ErrTitleNotFound) {
		s.writeError(w, http.StatusNotFound, "Dream title not found")
		return
	}
	if err != nil {
		s.logger.Error("generate now failed", "title_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "generate now failed")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	priority := 0
	if raw := r.URL.Query().Get("priority"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid priority")
			return
		}
		priority = p
	}

	err := s.admin.Requeue(r.Context(), id, priority)
	if errors.Is(err, domain.ErrTitleNotFound) {
		s.writeError(w, http.StatusNotFound, "Dream title not found")
		return
	}
	if err != nil {
		s.logger.Error("requeue failed", "title_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "requeue failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"queued": true})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.settings.Get(r.Context())
	if err != nil {
		s.logger.Error("load settings failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "load settings failed")
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var update domain.SettingsUpdate
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&update); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	updated, err := s.settings.Update(r.Context(), update)
	if errors.Is(err, domain.ErrInvalidSettings) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "Validation failed",
			"details": err.Error(),
		})
		return
	}
	if err != nil {
		s.logger.Error("update settings failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "update settings failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.logger.Error("readiness check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
