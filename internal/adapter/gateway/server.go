// Package gateway serves the WebSocket RPC protocol and the REST surface of
// the host process.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"relaybot/internal/domain"
	"relaybot/internal/infra/logger"
	"relaybot/internal/infra/tracer"
)

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	info      *domain.ClientInfo
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) close() { cc.closeOnce.Do(func() { close(cc.done) }) }

type httpRoute struct {
	pattern string
	handler http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records RPC calls and connections on m.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMiddleware wraps the HTTP handler. The first middleware is outermost.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.middleware = append(s.middleware, mw...) }
}

// Server is the WebSocket gateway that exposes RPC methods and forwards events.
type Server struct {
	auth       Authenticator
	logger     *slog.Logger
	addr       string
	metrics    *Metrics
	middleware []func(http.Handler) http.Handler

	handlersMu sync.RWMutex
	handlers   map[string]domain.RPCHandler

	clients    sync.Map // connID -> *clientConn
	httpRoutes []httpRoute

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates a gateway server.
func NewServer(auth Authenticator, addr string, log *slog.Logger, opts ...Option) *Server {
	s := &Server{
		auth:     auth,
		handlers: make(map[string]domain.RPCHandler),
		logger:   logger.Component(log, "gateway"),
		addr:     addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler domain.RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// Methods lists the registered RPC methods in sorted order.
func (s *Server) Methods() []string {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// RegisterHTTPRoute adds an HTTP handler to the gateway's mux.
// Must be called before Handler or Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.Handler) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Handler builds the HTTP handler serving /ws and the registered routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	for _, route := range s.httpRoutes {
		mux.Handle(route.pattern, route.handler)
	}
	var h http.Handler = mux
	for i := len(s.middleware) - 1; i >= 0; i-- {
		h = s.middleware[i](h)
	}
	return h
}

// Start begins accepting connections. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("gateway started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes all client connections and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// BoundAddr returns the address the server bound to. Empty before Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Broadcast sends an event frame to every connected client. Slow clients
// drop the event.
func (s *Server) Broadcast(event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("gateway: event not serializable", "event", event, "error", err)
		return
	}
	frame := Frame{Type: FrameTypeEvent, Event: event, Payload: body}
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		select {
		case cc.sendCh <- frame:
		default:
			s.logger.Warn("gateway: dropped event for slow client", "event", event, "conn_id", cc.info.ConnID)
		}
		return true
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientInfo, err := s.auth.Authenticate(tokenFromRequest(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	clientInfo.ConnID = ulid.Make().String()
	cc := &clientConn{
		info:   clientInfo,
		ws:     ws,
		sendCh: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	s.clients.Store(clientInfo.ConnID, cc)
	if s.metrics != nil {
		s.metrics.connections.Inc()
	}
	s.logger.Info("gateway client connected", "conn_id", clientInfo.ConnID, "client", clientInfo.Name)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.close()
	s.clients.Delete(clientInfo.ConnID)
	if s.metrics != nil {
		s.metrics.connections.Dec()
	}
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", clientInfo.ConnID)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		go s.dispatchRPC(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req Frame) {
	result, err := s.Call(ctx, cc.info, req.Method, req.Payload)
	resp := Frame{Type: FrameTypeResponse, ID: req.ID, Payload: result}
	if err != nil {
		resp.Payload = nil
		resp.Error = errorBody(err)
	}
	select {
	case cc.sendCh <- resp:
	default:
		s.logger.Warn("gateway: dropped RPC response for slow client", "frame_id", req.ID)
	}
}

// Call runs method for client. The WebSocket and REST surfaces both go
// through it, so every call is traced and counted the same way.
func (s *Server) Call(ctx context.Context, client *domain.ClientInfo, method string, payload json.RawMessage) (result json.RawMessage, err error) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[method]
	s.handlersMu.RUnlock()
	if !ok {
		s.observe("unknown", domain.ErrRPCMethodNotFound, 0)
		return nil, fmt.Errorf("%s: %w", method, domain.ErrRPCMethodNotFound)
	}

	ctx, span := tracer.StartSpan(ctx, "gateway.rpc")
	span.SetAttributes(tracer.StringAttr("rpc.method", method), tracer.StringAttr("rpc.client", client.Name))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("rpc handler panicked", "method", method, "panic", fmt.Sprint(r))
			result, err = nil, fmt.Errorf("%s: handler panicked", method)
		}
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
		s.observe(method, err, time.Since(start))
	}()

	return handler(ctx, client, payload)
}

func (s *Server) observe(method string, err error, d time.Duration) {
	if s.metrics == nil {
		return
	}
	code := "OK"
	if err != nil {
		code = string(errorBody(err).Code)
	}
	s.metrics.ObserveRPC(method, code, d)
}
