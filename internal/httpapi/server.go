// Package httpapi exposes a read-only HTTP surface for the node: a JSON
// status snapshot and a Prometheus scrape endpoint, separate from the
// admin KILL port in internal/admin. Nothing here ever mutates node
// state; it only renders a StatusSnapshot the caller hands it on each
// request.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// StatusSnapshot is the JSON shape served at /status. internal/node hands
// back the copy its print_node_status task last stored; nothing here
// holds a reference back into the node so the HTTP goroutines never touch
// slot or registry state directly — those belong to the event loop alone.
type StatusSnapshot struct {
	Uptime          time.Duration `json:"uptime_ns"`
	PeersConnected  int           `json:"peers_connected"`
	CandidatesKnown int           `json:"candidates_known"`
	ChainTip        string        `json:"chain_tip"`
	ChainHeight     int32         `json:"chain_height"`
	MaxFullHeight   int32         `json:"max_full_height"`
	IBDMode         bool          `json:"ibd_mode"`
}

// SnapshotFunc is called synchronously on every /status request. It must
// not block on anything that could itself wait on the event loop, or an
// HTTP client can stall node shutdown.
type SnapshotFunc func() StatusSnapshot

// Server is the read-only HTTP surface. It is started and stopped
// independently of the admin KILL listener.
type Server struct {
	srv *http.Server
}

// New builds a Server listening on addr, serving /status from snapshot
// and /metrics from the default Prometheus registry, both behind a
// permissive CORS policy suited to a local dashboard.
func New(addr string, snapshot SnapshotFunc) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot())
	})
	mux.Handle("/metrics", promhttp.Handler())

	handler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet},
	}).Handler(mux)

	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Serve blocks until ctx is canceled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.serveOn(ctx, ln)
}

// serveOn runs the server against an already-bound listener, letting
// tests pick an ephemeral port before the goroutine starts serving.
func (s *Server) serveOn(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
