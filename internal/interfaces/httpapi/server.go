package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"evmingest/internal/application"
	"evmingest/internal/config"
)

type Store interface {
	Checkpoint(ctx context.Context, key string) (uint64, bool, error)
	CountTransactions(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// CheckpointMirror is the optional read-side copy of the checkpoint.
type CheckpointMirror interface {
	Mirrored(ctx context.Context, key string) (uint64, bool, error)
}

type RPCStatus interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

type IngestStatus interface {
	State() application.State
}

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

type Server struct {
	cfg       config.Config
	store     Store
	mirror    CheckpointMirror
	rpc       RPCStatus
	status    IngestStatus
	metrics   *Metrics
	buildInfo BuildInfo
}

func NewServer(cfg config.Config, store Store, rpc RPCStatus, status IngestStatus, metrics *Metrics, buildInfo BuildInfo) (*Server, error) {
	if store == nil || rpc == nil || status == nil {
		return nil, errors.New("http server dependencies must not be nil")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{cfg: cfg, store: store, rpc: rpc, status: status, metrics: metrics, buildInfo: buildInfo}, nil
}

// WithMirror adds the mirrored checkpoint to /checkpoint responses.
func (s *Server) WithMirror(mirror CheckpointMirror) *Server {
	s.mirror = mirror
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/checkpoint", s.handleCheckpoint)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/version", s.handleVersion)
	return mux
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	state := s.status.State()
	if state == application.StateFailed {
		respondError(w, http.StatusServiceUnavailable, "ingester failed")
		return
	}
	if err := s.store.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db not ready")
		return
	}
	if _, err := s.rpc.LatestBlockNumber(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "rpc not ready")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready", "state": state.String()})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	position, ok, err := s.store.Checkpoint(r.Context(), s.cfg.CheckpointKey)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "checkpoint read failed")
		return
	}
	count, err := s.store.CountTransactions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "transaction count failed")
		return
	}
	response := map[string]any{
		"key":            s.cfg.CheckpointKey,
		"checkpoint":     position,
		"has_checkpoint": ok,
		"transactions":   count,
		"state":          s.status.State().String(),
		"uptime_seconds": int64(s.metrics.Uptime().Seconds()),
	}
	if s.mirror != nil {
		if mirrored, ok, err := s.mirror.Mirrored(r.Context(), s.cfg.CheckpointKey); err == nil && ok {
			response["mirrored_checkpoint"] = mirrored
		}
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.buildInfo)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
