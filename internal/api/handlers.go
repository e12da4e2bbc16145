package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/clawinfra/examsync/internal/security"
	"github.com/clawinfra/examsync/internal/store"
	"github.com/clawinfra/examsync/internal/types"
)

// watchWriteTimeout bounds one notice write to a slow watcher.
const watchWriteTimeout = 5 * time.Second

// handleDraft upserts the caller's draft for an attempt.
func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request) {
	claims, _ := security.GetClaims(r)
	attemptID := r.PathValue("attemptId")

	var req types.DraftRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.store.SaveDraft(r.Context(), claims.UserID, attemptID, req)
	if err != nil {
		s.writeStoreError(w, "save draft", err)
		return
	}

	if !res.Stale && !res.Replayed {
		s.notify(types.SavedNotice{
			AttemptID: attemptID,
			Kind:      types.KindDraft,
			Revision:  res.Revision,
			WordCount: res.WordCount,
			SavedAt:   res.SavedAt,
		})
	}
	writeJSON(w, http.StatusOK, types.DraftAck{
		SavedAt:  res.SavedAt,
		Revision: res.Revision,
		Stale:    res.Stale,
	})
}

// handleEvent stores an exam event once per offline id.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	claims, _ := security.GetClaims(r)
	attemptID := r.PathValue("attemptId")

	var req types.EventRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.store.RecordEvent(r.Context(), claims.UserID, attemptID, req)
	if err != nil {
		s.writeStoreError(w, "record event", err)
		return
	}

	if !res.Duplicate {
		occurred := res.SavedAt
		if req.OccurredAt != nil {
			occurred = req.OccurredAt.UTC()
		}
		s.forwardEvent(r.Context(), types.AcceptedEvent{
			AttemptID:  attemptID,
			UserID:     claims.UserID,
			Type:       req.Type,
			Payload:    req.Payload,
			OfflineID:  req.OfflineID,
			OccurredAt: occurred,
		})
		s.notify(types.SavedNotice{
			AttemptID: attemptID,
			Kind:      types.KindEvent,
			EventType: req.Type,
			SavedAt:   res.SavedAt,
		})
	}
	writeJSON(w, http.StatusOK, types.EventAck{OK: true, Duplicate: res.Duplicate})
}

// handleListEvents returns the stored events of an attempt.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	attemptID := r.PathValue("attemptId")
	if _, ok := s.authorizeRead(w, r, attemptID); !ok {
		return
	}
	events, err := s.store.Events(r.Context(), attemptID)
	if err != nil {
		s.writeStoreError(w, "list events", err)
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleSync applies a batch of drafts and events.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	claims, _ := security.GetClaims(r)

	var req types.BatchRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := s.store.SyncBatch(r.Context(), claims.UserID, req)

	if len(req.Drafts) > 0 || len(req.Events) > 0 {
		summary := types.BatchSummary{
			UserID:          claims.UserID,
			RequestedDrafts: len(req.Drafts),
			SyncedDrafts:    len(resp.SyncedDraftIDs),
			RequestedEvents: len(req.Events),
			SyncedEvents:    len(resp.SyncedEventIDs),
			At:              resp.SavedAt,
		}
		if s.sink != nil {
			if err := s.sink.BatchSynced(r.Context(), summary); err != nil {
				s.logger.Warn("batch analytics failed", "error", err)
			}
		}
		s.logger.Info("offline batch synced",
			"user_id", claims.UserID,
			"drafts", len(resp.SyncedDraftIDs),
			"events", len(resp.SyncedEventIDs),
		)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleProgress returns the caller's most recent in-progress attempt.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	claims, _ := security.GetClaims(r)
	q := r.URL.Query()

	p, err := s.store.Progress(r.Context(), claims.UserID, q.Get("module"), q.Get("context"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no progress")
		return
	}
	if err != nil {
		s.writeStoreError(w, "read progress", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleStartAttempt creates an attempt owned by the caller.
func (s *Server) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	claims, _ := security.GetClaims(r)

	var req types.StartAttemptRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a, err := s.store.StartAttempt(r.Context(), claims.UserID, req.Module, req.Context)
	if err != nil {
		s.writeStoreError(w, "start attempt", err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// handleSubmit marks the caller's attempt completed.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	claims, _ := security.GetClaims(r)

	a, err := s.store.Submit(r.Context(), claims.UserID, r.PathValue("attemptId"))
	if err != nil {
		s.writeStoreError(w, "submit attempt", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleGetAttempt returns one attempt.
func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	a, ok := s.authorizeRead(w, r, r.PathValue("attemptId"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleWatch streams save notices of an attempt over a WebSocket.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "watch is not enabled")
		return
	}
	attemptID := r.PathValue("attemptId")
	if _, ok := s.authorizeRead(w, r, attemptID); !ok {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // exam clients connect from any origin; auth is the bearer token
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "watch ended")

	notices, cancel := s.hub.Subscribe(attemptID)
	defer cancel()

	// Watchers only listen; CloseRead ends ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.Debug("watcher connected", "attempt_id", attemptID, "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notices:
			if !ok {
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, watchWriteTimeout)
			err := wsjson.Write(wctx, conn, n)
			wcancel()
			if err != nil {
				s.logger.Debug("watch write ended", "error", err)
				return
			}
		}
	}
}

// authorizeRead loads an attempt the caller may read: its owner, or any
// proctor or admin.
func (s *Server) authorizeRead(w http.ResponseWriter, r *http.Request, attemptID string) (*types.Attempt, bool) {
	claims, _ := security.GetClaims(r)
	a, err := s.store.Attempt(r.Context(), attemptID)
	if err != nil {
		s.writeStoreError(w, "load attempt", err)
		return nil, false
	}
	if a.UserID != claims.UserID && claims.Role != security.RoleProctor && claims.Role != security.RoleAdmin {
		writeError(w, http.StatusForbidden, "attempt belongs to another user")
		return nil, false
	}
	return a, true
}

func (s *Server) notify(n types.SavedNotice) {
	if s.hub != nil {
		s.hub.Publish(n)
	}
}

func (s *Server) forwardEvent(ctx context.Context, e types.AcceptedEvent) {
	if s.sink == nil {
		return
	}
	if err := s.sink.EventAccepted(ctx, e); err != nil {
		s.logger.Warn("event analytics failed", "attempt_id", e.AttemptID, "type", e.Type, "error", err)
	}
}
