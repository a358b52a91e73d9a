// ABOUTME: SSE push stream handshake and the per-transport control endpoints
// ABOUTME: Bridges GET /api/events streaming with POSTed subscription changes

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/console-gateway/internal/auth"
	"github.com/2389/console-gateway/internal/events"
	"github.com/2389/console-gateway/internal/session"
)

// handleEventStream is the push transport handshake. It attaches a transport
// to the resolved session and streams events until either side disconnects.
func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sess, err := a.resolveSession(w, r, true)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrSessionExpired) {
			// Tell the client its credential died, then hang up. A plain
			// 401 here would leave EventSource clients retrying blind.
			w.WriteHeader(http.StatusOK)
			writeSSEFrame(w, &events.Event{Topic: events.TopicAuth, Type: events.TypeTokenExpired})
			flusher.Flush()
			return
		}
		writeTaxonomyError(w, err)
		return
	}

	t := newSSETransport(sess.ID(), a.eventBuffer, func(t *sseTransport) {
		sess.DetachTransport(t.ID())
	})
	if err := sess.AttachTransport(t); err != nil {
		writeError(w, http.StatusGone, "", "session closed")
		return
	}

	a.logger.Debug("event stream opened",
		"session_id", sess.ID(),
		"transport_id", t.ID())

	w.WriteHeader(http.StatusOK)
	writeSSEFrame(w, &events.Event{
		Topic:   events.TopicSession,
		Type:    events.TypeConnected,
		Payload: events.Marshal(map[string]string{"transportId": t.ID(), "sessionId": sess.ID()}),
	})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			t.Close("client disconnected")
			return
		case <-t.closeCh:
			return
		case ev := <-t.out:
			if err := writeSSEFrame(w, ev); err != nil {
				t.Close("write failed")
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, ev *events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// transportRequest addresses one of the session's attached transports.
type transportRequest struct {
	TransportID string   `json:"transportId"`
	Topics      []string `json:"topics,omitempty"`
	Projects    []string `json:"projects,omitempty"`
}

// sessionTransport looks up the addressed transport on the caller's own
// session. Transports are never addressable across sessions.
func (a *API) sessionTransport(w http.ResponseWriter, r *http.Request) (*sseTransport, *transportRequest) {
	var req transportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TransportID == "" {
		writeError(w, http.StatusBadRequest, "", "transportId is required")
		return nil, nil
	}

	sess := session.FromContext(r.Context())
	for _, t := range sess.Transports() {
		if t.ID() == req.TransportID {
			if st, ok := t.(*sseTransport); ok {
				return st, &req
			}
		}
	}
	writeError(w, http.StatusNotFound, "", "unknown transport")
	return nil, nil
}

func (a *API) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	t, req := a.sessionTransport(w, r)
	if t == nil {
		return
	}
	t.Subscribe(req.Topics...)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	t, req := a.sessionTransport(w, r)
	if t == nil {
		return
	}
	t.Unsubscribe(req.Topics...)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleSetProjects(w http.ResponseWriter, r *http.Request) {
	t, req := a.sessionTransport(w, r)
	if t == nil {
		return
	}
	t.SetProjects(req.Projects)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handlePing(w http.ResponseWriter, r *http.Request) {
	t, _ := a.sessionTransport(w, r)
	if t == nil {
		return
	}
	if err := t.Ping(r.Context()); err != nil {
		writeError(w, http.StatusGone, "", "transport closed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
