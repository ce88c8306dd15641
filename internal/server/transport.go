package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"time"

	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/teemow/inboxlink/internal/logging"
)

const (
	// MaxMessageSize bounds one request; email HTML travels inside it.
	MaxMessageSize = 8 << 20

	// wsConcurrency bounds in-flight requests per WebSocket connection.
	wsConcurrency = 4

	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
)

// TransportConfig configures the message listener.
type TransportConfig struct {
	Addr string
	// AllowedOrigins are exact origins or path.Match patterns such as
	// "chrome-extension://*". Requests without an Origin header are local
	// clients and always allowed.
	AllowedOrigins []string
	// AllowRemote permits binding a non-loopback address.
	AllowRemote bool
	Health      *HealthChecker
}

// MessageServer exposes the dispatcher over HTTP and WebSocket.
type MessageServer struct {
	sc         *ServerContext
	cfg        TransportConfig
	httpServer *http.Server
	logger     *slog.Logger
}

// NewMessageServer creates the listener for sc.
func NewMessageServer(sc *ServerContext, cfg TransportConfig) (*MessageServer, error) {
	if cfg.Addr == "" {
		cfg.Addr = sc.Config().Server.Addr
	}
	if !cfg.AllowRemote {
		if err := validateLoopback(cfg.Addr); err != nil {
			return nil, err
		}
	}
	for _, p := range cfg.AllowedOrigins {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid origin pattern %q: %w", p, err)
		}
	}
	s := &MessageServer{sc: sc, cfg: cfg, logger: sc.logger.With("component", "transport")}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return sc.Context() },
	}
	return s, nil
}

// validateLoopback allows only localhost and loopback IPs.
func validateLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("refusing to listen on non-loopback address %q without --allow-remote", addr)
}

// Handler returns the transport mux.
func (s *MessageServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/messages", s.instrument("/v1/messages", s.cors(http.HandlerFunc(s.serveMessage))))
	mux.Handle("/v1/ws", s.instrument("/v1/ws", http.HandlerFunc(s.serveWebSocket)))
	if s.cfg.Health != nil {
		s.cfg.Health.RegisterHealthEndpoints(mux)
	}
	return mux
}

// Start listens on the configured address and blocks until shutdown.
func (s *MessageServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. A server that was shut down cannot
// serve again.
func (s *MessageServer) Serve(ln net.Listener) error {
	s.logger.Info("listening for messages", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for handlers.
func (s *MessageServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *MessageServer) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, p := range s.cfg.AllowedOrigins {
		if p == origin {
			return true
		}
		if ok, _ := path.Match(p, origin); ok {
			return true
		}
	}
	return false
}

func (s *MessageServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if !s.originAllowed(origin) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *MessageServer) serveMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxMessageSize))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	resp := s.sc.Dispatcher().Handle(r.Context(), TransportHTTP, body)

	w.Header().Set("Content-Type", "application/json")
	// Failures are part of the protocol, so the status stays 200.
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *MessageServer) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.originAllowed(r.Header.Get("Origin")) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", logging.Err(err))
		return
	}
	defer c.CloseNow()
	c.SetReadLimit(MaxMessageSize)

	metrics := s.sc.Metrics()
	metrics.IncrementActiveConnections(r.Context())
	defer metrics.DecrementActiveConnections(r.Context())

	ctx := r.Context()
	g := new(errgroup.Group)
	g.SetLimit(wsConcurrency)
	defer func() { _ = g.Wait() }()

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					s.logger.Debug("websocket read ended", logging.Err(err))
				}
			}
			return
		}
		if typ != websocket.MessageText {
			c.Close(websocket.StatusUnsupportedData, "text frames only")
			return
		}
		g.Go(func() error {
			resp := s.sc.Dispatcher().Handle(ctx, TransportWebSocket, data)
			out, err := json.Marshal(resp)
			if err != nil {
				return err
			}
			if err := c.Write(ctx, websocket.MessageText, out); err != nil {
				s.logger.Debug("websocket write failed", logging.Err(err))
			}
			return nil
		})
	}
}

// responseWriter captures the status code for metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Hijack passes the WebSocket upgrade through.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (s *MessageServer) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)
		s.sc.Metrics().RecordHTTPRequest(r.Context(), r.Method, route, rw.statusCode, time.Since(start))
	})
}
