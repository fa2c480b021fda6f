package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"gihan9a/groupsync/internal/store"
	"gihan9a/groupsync/internal/utils"
	"gihan9a/groupsync/pkg/braidproto"
	"gihan9a/groupsync/pkg/document"
	"gihan9a/groupsync/pkg/syncproto"
)

const maxMessageSize = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

type createResponse struct {
	Session  string                  `json:"session"`
	Versions syncproto.VersionVector `json:"versions"`
}

// handleCreateSession creates a session, optionally seeded with a partial
// document in the body.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var initial *document.Partial
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading body: %v", err), http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		initial = &document.Partial{}
		if err := json.Unmarshal(body, initial); err != nil {
			http.Error(w, fmt.Sprintf("Invalid initial state: %v", err), http.StatusBadRequest)
			return
		}
	}

	sess, err := s.store.Create(r.Context(), utils.GenerateSessionID(), initial)
	if err != nil {
		glog.Errorf("Creating session: %v", err)
		http.Error(w, "Error creating session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{Session: sess.ID, Versions: sess.VersionVector(nil)})
}

// handleSession serves the session document, as a Braid subscription when
// the client asks for one.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	session := mux.Vars(r)["session"]

	sess, err := s.store.Load(r.Context(), session)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		glog.Errorf("Loading session %s: %v", session, err)
		http.Error(w, "Error loading session", http.StatusInternalServerError)
		return
	}
	data, err := encodeDocument(sess.Document)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error encoding session: %v", err), http.StatusInternalServerError)
		return
	}
	hash := utils.CalculateHash(data)

	w.Header().Set("Range-Request-Allow-Methods", "PATCH, PUT")
	w.Header().Set("Range-Request-Allow-Units", "json")
	w.Header().Set("Content-Type", "application/json")

	if r.Header.Get("Subscribe") != "true" {
		w.Header().Set("Version", hash)
		w.Header().Set("Parents", "")
		w.Write(data)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Subscribe", "true")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(braidproto.StatusSubscribed)

	sub := s.feed.AddSubscription(session)
	defer s.feed.RemoveSubscription(session, sub.ID)
	if err := sub.Stream(r.Context(), w, flusher.Flush, data); err != nil {
		glog.V(1).Infof("Subscription %s for session %s ended: %v", sub.ID, session, err)
	}
}

// handleSync upgrades to a websocket and serves sync requests until the
// connection closes.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("Websocket upgrade failed: %v", err)
		return
	}
	c := newClient(conn)
	go c.writePump()
	defer func() {
		s.hub.Leave(c)
		c.close()
	}()

	glog.V(1).Infof("Client %s connected from %s", c.ID, r.RemoteAddr)
	conn.SetReadLimit(maxMessageSize)
	ctx := r.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Warningf("Client %s read error: %v", c.ID, err)
			}
			glog.V(1).Infof("Client %s disconnected", c.ID)
			return
		}
		s.handleMessage(ctx, c, data)
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.CORS.Enabled {
			s.addCORSHeaders(w)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// addCORSHeaders adds CORS headers to the response
func (s *Server) addCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", s.config.CORS.AllowOrigins)
	w.Header().Set("Access-Control-Allow-Methods", s.config.CORS.AllowMethods)
	w.Header().Set("Access-Control-Allow-Headers", s.config.CORS.AllowHeaders)

	if s.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", s.config.CORS.MaxAge))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("Writing response: %v", err)
	}
}
