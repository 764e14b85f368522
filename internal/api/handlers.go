package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moma/poseflow/internal/session"
)

// createSessionRequest is the POST /sessions body.
type createSessionRequest struct {
	SessionID    string `json:"session_id"`
	AnimatorKind string `json:"animator_kind"`
	// SourceRef is either a file name under the animation directory or a
	// scheme-style reference like "chain:24".
	SourceRef string `json:"source_ref"`
}

type speedRequest struct {
	Value float32 `json:"value"`
}

type seekRequest struct {
	Time float32 `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "alive",
		"uptime_s": int64(time.Since(s.started).Seconds()),
		"sessions": s.mgr.Count(),
	})
}

// handleListAnimations returns the motion source files available under the
// configured animation directory.
func (s *Server) handleListAnimations(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.cfg.AnimationDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list animation directory")
		return
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files = append(files, e.Name())
	}
	writeJSON(w, http.StatusOK, map[string]any{"animations": files})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.mgr.IDs()})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sourceRef := req.SourceRef
	// Bare file names resolve against the animation directory; scheme
	// references and absolute paths pass through.
	if sourceRef != "" && !strings.Contains(sourceRef, ":") && !filepath.IsAbs(sourceRef) {
		sourceRef = filepath.Join(s.cfg.AnimationDir, sourceRef)
	}

	sess, err := s.mgr.Create(r.Context(), req.SessionID, sourceRef, req.AnimatorKind)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	_, frameBytes := sess.Describe()
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":      "created",
		"session_id":  sess.ID(),
		"frame_bytes": frameBytes,
	})
}

func (s *Server) handleSkeleton(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.Get(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}

	skel, frameBytes := sess.Describe()
	writeJSON(w, http.StatusOK, map[string]any{
		"skeleton":    skel,
		"frame_bytes": frameBytes,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.Get(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Stats())
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	s.controlHandler(w, r, func(sess *session.Session) error {
		return sess.Resume()
	}, "playing")
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.controlHandler(w, r, func(sess *session.Session) error {
		return sess.Pause()
	}, "paused")
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	var req speedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.controlHandler(w, r, func(sess *session.Session) error {
		return sess.SetSpeed(req.Value)
	}, "updated")
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.controlHandler(w, r, func(sess *session.Session) error {
		return sess.Seek(req.Time)
	}, "updated")
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.Delete(id); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "deleted",
		"session_id": id,
	})
}

// controlHandler is the common shape of the play/pause/speed/seek routes.
func (s *Server) controlHandler(w http.ResponseWriter, r *http.Request, op func(*session.Session) error, status string) {
	id := r.PathValue("id")
	sess, err := s.mgr.Get(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if err := op(sess); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"session_id": id,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

// writeSessionError maps typed session errors onto HTTP status codes.
func writeSessionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch session.KindOf(err) {
	case session.ErrInvalidInput:
		status = http.StatusBadRequest
	case session.ErrNotFound:
		status = http.StatusNotFound
	case session.ErrAlreadyExists, session.ErrClosedSession:
		status = http.StatusConflict
	case session.ErrInitTimeout:
		status = http.StatusGatewayTimeout
	case session.ErrInitFailure, session.ErrEngineLost:
		status = http.StatusBadGateway
	}
	writeError(w, status, err.Error())
}
