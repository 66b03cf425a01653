// Package api exposes terminal lifecycle operations over HTTP. Byte-level
// I/O goes through the attach package; this package only covers control.
package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/session"
	"github.com/termbridge/termbridge/internal/store"
)

type TerminalsHandler struct {
	manager *session.Manager
	store   *store.Store
	logger  *zap.Logger
}

func NewTerminalsHandler(manager *session.Manager, st *store.Store, logger *zap.Logger) *TerminalsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TerminalsHandler{manager: manager, store: st, logger: logger}
}

// Register wires the handler's routes into mux.
func (h *TerminalsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /terminals", h.HandleList)
	mux.HandleFunc("POST /terminals", h.HandleCreate)
	mux.HandleFunc("DELETE /terminals/{id}", h.HandleDelete)
	mux.HandleFunc("POST /terminals/{id}/restart", h.HandleRestart)
	mux.HandleFunc("POST /terminals/resize", h.HandleResizeAll)
}

type terminalInfo struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Active bool   `json:"active"`
	Pid    int    `json:"pid"`
	Shell  string `json:"shell"`
	Cols   int    `json:"cols"`
	Rows   int    `json:"rows"`
}

func describe(s *session.Session) terminalInfo {
	info := terminalInfo{
		ID:     s.ID,
		State:  string(s.State()),
		Active: s.IsActive(),
	}
	if handle := s.Handle(); handle != nil {
		cols, rows := handle.Size()
		info.Pid = handle.Pid()
		info.Shell = handle.Shell()
		info.Cols = cols
		info.Rows = rows
	}
	return info
}

func (h *TerminalsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	sessions := h.manager.ListTerminals()
	infos := []terminalInfo{}
	for _, s := range sessions {
		infos = append(infos, describe(s))
	}
	WriteJSON(w, http.StatusOK, infos)
}

func (h *TerminalsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if r.Body != nil {
		// Empty body is fine; the manager picks an id.
		json.NewDecoder(r.Body).Decode(&body)
	}

	sess, err := h.manager.CreateTerminalWithAvailableShell(r.Context(), body.ID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if h.store != nil {
		row := store.Terminal{ID: sess.ID, Shell: sess.Handle().Shell()}
		if err := h.store.Save(row); err != nil {
			h.logger.Warn("failed to persist terminal", zap.String("id", sess.ID), zap.Error(err))
		}
	}

	WriteJSON(w, http.StatusCreated, describe(sess))
}

func (h *TerminalsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.manager.GetTerminal(id) == nil {
		WriteError(w, http.StatusNotFound, "terminal not found")
		return
	}

	h.manager.DestroyTerminal(id)
	if h.store != nil {
		if err := h.store.Delete(id); err != nil {
			h.logger.Warn("failed to remove persisted terminal", zap.String("id", id), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TerminalsHandler) HandleRestart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := h.manager.RestartTerminal(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The restart may have fallen back to a different shell; keep the
	// restore row in step with what is actually running.
	if h.store != nil {
		row := store.Terminal{ID: sess.ID, Shell: sess.Handle().Shell()}
		if err := h.store.Save(row); err != nil {
			h.logger.Warn("failed to persist restarted terminal", zap.String("id", sess.ID), zap.Error(err))
		}
	}

	WriteJSON(w, http.StatusOK, describe(sess))
}

func (h *TerminalsHandler) HandleResizeAll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Cols <= 0 || body.Rows <= 0 {
		WriteError(w, http.StatusBadRequest, "cols and rows must be positive")
		return
	}

	h.manager.ResizeAllTerminals(body.Cols, body.Rows)
	w.WriteHeader(http.StatusNoContent)
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}
