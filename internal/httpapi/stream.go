package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const streamKeepAlive = 20 * time.Second

// handleStream serves a terminal session as server-sent events: one "ready"
// event, then snapshot, alert and notification events until either side
// goes away.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	session, err := a.service.OpenSession(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	defer session.Close()

	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ready, _ := json.Marshal(map[string]any{
		"session":   session.ID,
		"shop":      session.Shop,
		"joined_at": session.JoinedAt,
	})
	fmt.Fprintf(w, "event: ready\ndata: %s\n\n", ready)
	if err := rc.Flush(); err != nil {
		return
	}

	log := a.log.With(zap.String("session", session.ID), zap.String("shop", session.Shop))
	log.Info("stream opened")
	defer log.Info("stream closed")

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-session.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Warn("encode stream event failed", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			if err := rc.Flush(); err != nil {
				return
			}
		case <-keepAlive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
