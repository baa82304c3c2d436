package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Methods dispatches a request to the handler registered for its method.
type Methods map[string]http.Handler

func (h Methods) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func(r io.ReadCloser) {
		_, _ = io.Copy(io.Discard, r)
		_ = r.Close()
	}(r.Body)

	if handler, ok := h[r.Method]; ok {
		if handler == nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		} else {
			handler.ServeHTTP(w, r)
		}
		return
	}

	w.Header().Add("Allow", h.allowedMethods())
	if r.Method != http.MethodOptions {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h Methods) allowedMethods() string {
	a := make([]string, 0, len(h))
	for k := range h {
		a = append(a, k)
	}
	sort.Strings(a)
	return strings.Join(a, ", ")
}

// Server is the HTTP face of a Channel. The desktop-automation agent is its
// only client: it polls GET / for the next command to run and POSTs the raw
// result text back to the same path. The single-slot discipline of the
// backing channel is what lets responses be matched to requests without IDs.
type Server struct {
	ch     *Channel
	logger *zap.Logger
}

func NewServer(ch *Channel, logger *zap.Logger) *Server {
	return &Server{ch: ch, logger: logger}
}

func (s *Server) Handler() http.Handler {
	return Methods{
		http.MethodGet:  http.HandlerFunc(s.getPending),
		http.MethodPost: http.HandlerFunc(s.postResult),
	}
}

func (s *Server) getPending(w http.ResponseWriter, _ *http.Request) {
	call, ok := s.ch.TakePending()
	if !ok {
		return
	}
	s.logger.Debug("handing out command", zap.ByteString("command", call.Request))
	if _, err := w.Write(call.Request); err != nil {
		s.logger.Error("failed to write command", zap.Error(err))
	}
}

func (s *Server) postResult(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Debug("received result", zap.ByteString("result", body))
	if err := s.ch.Fulfill(body); err != nil {
		// Two overlapping calls mean the pairing guarantee is gone and any
		// in-flight experiment data is suspect.
		s.logger.Fatal("relay protocol violated", zap.Error(err))
	}
}

// Serve listens on addr until the context is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
