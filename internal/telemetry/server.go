package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crabstack.local/projects/crab-voice/internal/journal"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

type Status struct {
	Connected      bool   `json:"connected"`
	SessionState   string `json:"session_state"`
	ActiveChannels int    `json:"active_channels"`
}

type StatusFunc func() Status

type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	ChannelHistory(ctx context.Context, channelID string) ([]journal.Entry, error)
}

type journalEntry struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Path      string `json:"path,omitempty"`
	At        string `json:"at"`
}

// Server exposes /metrics, /healthz and, when a journal is attached, /v1/journal.
type Server struct {
	addr    string
	metrics *Metrics
	status  StatusFunc
	logger  *log.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	journal  JournalReader
}

func NewServer(addr string, metrics *Metrics, status StatusFunc, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if status == nil {
		status = func() Status { return Status{} }
	}
	return &Server{
		addr:    strings.TrimSpace(addr),
		metrics: metrics,
		status:  status,
		logger:  logger,
	}
}

func (s *Server) SetJournal(reader JournalReader) {
	s.mu.Lock()
	s.journal = reader
	s.mu.Unlock()
}

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if s.addr == "" {
		return fmt.Errorf("telemetry address is empty")
	}

	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return fmt.Errorf("telemetry server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	server := &http.Server{
		Handler: s.routes(),
	}
	s.server = server
	s.listener = ln
	s.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("telemetry server error: %v", err)
		}
	}()

	s.logger.Printf("telemetry server started addr=%s", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown telemetry server: %w", err)
	}

	s.logger.Printf("telemetry server stopped")
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/journal", s.handleJournal)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := s.status()
	code := http.StatusOK
	if !status.Connected {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	reader := s.journal
	s.mu.Unlock()
	if reader == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	limit := defaultJournalLimit
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxJournalLimit)
	}

	// channel_id switches to the full history of one channel, oldest first.
	var (
		entries []journal.Entry
		err     error
	)
	if channelID := strings.TrimSpace(query.Get("channel_id")); channelID != "" {
		entries, err = reader.ChannelHistory(r.Context(), channelID)
	} else {
		entries, err = reader.Recent(r.Context(), limit)
	}
	if err != nil {
		s.logger.Printf("failed to read journal: %v", err)
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}

	out := make([]journalEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, journalEntry{
			ID:        entry.ID,
			Kind:      string(entry.Kind),
			ChannelID: entry.ChannelID,
			GuildID:   entry.GuildID,
			OwnerID:   entry.OwnerID,
			Name:      entry.Name,
			Path:      string(entry.Path),
			At:        entry.At.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
