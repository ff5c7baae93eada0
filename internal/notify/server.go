package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/andresmejia3/proctor/internal/types"
	"github.com/sirupsen/logrus"
)

// Server is the live host surface: /ws, /status and /metrics.
type Server struct {
	hub  *Hub
	http *http.Server
	log  *logrus.Entry
}

// NewServer builds the mux. metrics may be nil, in which case /metrics is not served.
func NewServer(addr string, hub *Hub, status func() types.Status, metrics http.Handler, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	hub.SetStatusSource(status)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/status", StatusHandler(status))
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "healthy",
			"clients": hub.Clients(),
		})
	})

	return &Server{
		hub: hub,
		log: log,
		http: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// StatusHandler serves the current snapshot as JSON.
func StatusHandler(status func() types.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(w).Encode(map[string]interface{}{"error": "Method not allowed"})
			return
		}
		st := status()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": st,
			"label":  st.Tracking.Label(),
		})
	}
}

// Serve listens until ctx is cancelled, then shuts down and disconnects websocket clients.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.log.WithField("addr", ln.Addr().String()).Info("live surface listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	select {
	case err := <-errCh:
		s.hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }
