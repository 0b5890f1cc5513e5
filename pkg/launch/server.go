package launch

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Server exposes a Runner over HTTP: each websocket connection carries one
// launch session.
type Server struct {
	runner   *Runner
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer wraps runner in a websocket endpoint.
func NewServer(runner *Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		runner: runner,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger.With("component", "launch_server"),
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	t := NewWebsocketTransport(conn)
	if err := s.runner.Serve(r.Context(), t); err != nil {
		s.logger.Warn("launch session ended with error", "error", err, "remote", r.RemoteAddr)
	}
}

// Dial connects to a launch server endpoint and returns the orchestrator
// side of the channel. The url uses the ws or wss scheme.
func Dial(url string) (*WebsocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebsocketTransport(conn), nil
}
