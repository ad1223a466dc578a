package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/example/service-matching/internal/dispatch"
	"github.com/example/service-matching/internal/observability"
)

// FrameHandler is the session-facing side of the gateway.
type FrameHandler interface {
	Connect(s dispatch.Session)
	HandleFrame(ctx context.Context, s dispatch.Session, raw []byte)
	Disconnect(ctx context.Context, s dispatch.Session)
}

// SessionOptions tune every websocket session the server accepts.
type SessionOptions struct {
	SendBuffer int
	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration
	RateLimit  rate.Limit
	RateBurst  int
}

const maxFrameBytes = 64 << 10

type Server struct {
	frames   FrameHandler
	session  SessionOptions
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader

	checksMu sync.RWMutex
	checks   map[string]func(context.Context) error
}

func NewServer(frames FrameHandler, opts SessionOptions, logger *slog.Logger) *Server {
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Inf
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	s := &Server{
		frames:  frames,
		session: opts,
		logger:  logger.With("component", "http"),
		mux:     mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// clients connect from arbitrary origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
		checks: make(map[string]func(context.Context) error),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// AddReadinessCheck registers a dependency check for /ready.
func (s *Server) AddReadinessCheck(name string, fn func(context.Context) error) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks[name] = fn
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.checksMu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	s.checksMu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, name := range names {
		s.checksMu.RLock()
		check := s.checks[name]
		s.checksMu.RUnlock()
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", "check", name, "error", err)
			http.Error(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		s.logger.Debug("ws upgrade failed", "error", err, "remote_addr", remoteIP(r))
		return
	}
	sess := dispatch.NewWSSession(conn, s.session.SendBuffer, s.logger)
	s.frames.Connect(sess)
	go sess.WritePump(s.session.PingPeriod, s.session.WriteWait)

	// the hijacked request context is not cancelled on close
	ctx := context.WithoutCancel(r.Context())
	s.readLoop(ctx, sess)
}

// readLoop feeds inbound frames to the gateway until the peer goes away or
// stops answering pings.
func (s *Server) readLoop(ctx context.Context, sess *dispatch.WSSession) {
	conn := sess.Conn()
	defer func() {
		s.frames.Disconnect(ctx, sess)
		sess.Close()
	}()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.session.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.session.PongWait))
	})
	limiter := rate.NewLimiter(s.session.RateLimit, s.session.RateBurst)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("ws session ended", "session", sess.ID(), "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.session.PongWait))
		if !limiter.Allow() {
			observability.InboundRateLimited.Inc()
			s.logger.Debug("inbound frame rate limited", "session", sess.ID())
			continue
		}
		s.handleFrame(ctx, sess, msg)
	}
}
