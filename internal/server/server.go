package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"gihan9a/groupsync/internal/config"
	"gihan9a/groupsync/internal/store"
	"gihan9a/groupsync/pkg/actions"
)

// Option configures a Server.
type Option func(*Server)

// WithFanout relays broadcasts to other instances through f.
func WithFanout(f Fanout) Option {
	return func(s *Server) { s.fanout = f }
}

// WithExternal sets the job run for external requests.
func WithExternal(fn ExternalFunc) Option {
	return func(s *Server) { s.external = fn }
}

// Server serves sync sessions over websockets and a document feed over
// Braid-HTTP.
type Server struct {
	config   *config.Config
	store    *store.Store
	hub      *Hub
	feed     *Feed
	fanout   Fanout
	external ExternalFunc
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	sync config.SyncConfig
}

// New returns a server backed by st. Call Start to run background work and
// SetupRoutes for the handler.
func New(cfg *config.Config, st *store.Store, opts ...Option) *Server {
	s := &Server{
		config: cfg,
		store:  st,
		hub:    NewHub(),
		feed:   NewFeed(),
		sync:   cfg.Sync,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the fanout relay and the config watcher until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.fanout != nil {
		go func() {
			err := s.fanout.Receive(ctx, func(session string, msg []byte) {
				s.relay(ctx, session, msg)
			})
			if err != nil && ctx.Err() == nil {
				glog.Errorf("Fanout stopped: %v", err)
			}
		}()
	}
	if s.config.File != "" {
		err := config.Watch(ctx, s.config.File, func(c *config.Config) {
			s.SetSyncConfig(c.Sync)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Close disconnects every client.
func (s *Server) Close() {
	s.hub.CloseAll()
	if s.fanout != nil {
		if err := s.fanout.Close(); err != nil {
			glog.Warningf("Closing fanout: %v", err)
		}
	}
}

// SetSyncConfig replaces the sync tuning used by later requests.
func (s *Server) SetSyncConfig(c config.SyncConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync = c
	glog.Infof("Sync settings: %d attempts, %s bias, strict=%t", c.MaxPatchAttempts, c.InsertBias, c.StrictSanity)
}

func (s *Server) syncConfig() config.SyncConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sync
}

func (s *Server) reducer() *actions.Reducer {
	c := s.syncConfig()
	return &actions.Reducer{Bias: actions.Bias(c.InsertBias), Strict: c.StrictSanity}
}

// relay delivers a broadcast published by another instance.
func (s *Server) relay(ctx context.Context, session string, msg []byte) {
	if err := s.hub.Broadcast(ctx, session, msg, ""); err != nil {
		glog.V(1).Infof("Relay to session %s: %v", session, err)
	}
	if !s.feed.Watched(session) {
		return
	}
	sess, err := s.store.Load(ctx, session)
	if err != nil {
		glog.Warningf("Refreshing feed for session %s: %v", session, err)
		return
	}
	s.feed.Publish(session, sess.Document)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if !s.config.CORS.Enabled || s.config.CORS.AllowOrigins == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == s.config.CORS.AllowOrigins
}

// SetupRoutes configures the HTTP routes for the server
func (s *Server) SetupRoutes() http.Handler {
	router := mux.NewRouter()
	router.Use(s.corsMiddleware)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/sync", s.handleSync).Methods(http.MethodGet)
	router.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/sessions/{session}", s.handleSession).Methods(http.MethodGet, http.MethodOptions)
	return router
}
