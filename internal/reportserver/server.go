package reportserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/lattice-batch/internal/monitor"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

// ErrServerDisabled is returned by Start when the settings disable the server.
var ErrServerDisabled = errors.New("reportserver: server disabled")

// requestTimeout bounds reading a request and writing its response.
const requestTimeout = 10 * time.Second

// ReportSource yields the current snapshot of a batch. *monitor.Monitor
// satisfies it.
type ReportSource interface {
	Report() monitor.ExecutionReport
}

// ReportSourceFunc adapts a function to ReportSource.
type ReportSourceFunc func() monitor.ExecutionReport

// Report implements ReportSource.
func (f ReportSourceFunc) Report() monitor.ExecutionReport {
	return f()
}

// Logger matches logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

type healthResponse struct {
	Status        string `json:"status"`
	Source        bool   `json:"source"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type reportSummary struct {
	BatchID      string  `json:"batch_id,omitempty"`
	RunID        string  `json:"run_id,omitempty"`
	Total        int     `json:"total"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	TimedOut     int     `json:"timed_out"`
	Skipped      int     `json:"skipped"`
	Running      int     `json:"running"`
	Pending      int     `json:"pending"`
	Serial       bool    `json:"serial"`
	Finished     bool    `json:"finished"`
	SpeedupRatio float64 `json:"speedup_ratio"`
}

// Server exposes the live ExecutionReport over HTTP. The source may be
// swapped between runs with SetSource.
type Server struct {
	settings Settings
	logger   Logger
	clock    func() time.Time

	mu        sync.RWMutex
	source    ReportSource
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time

	cacheMu  sync.Mutex
	cached   monitor.ExecutionReport
	cachedAt time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithSource sets the initial report source.
func WithSource(source ReportSource) Option {
	return func(s *Server) {
		s.source = source
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares a report server using the provided settings.
func NewServer(settings Settings, opts ...Option) *Server {
	s := &Server{
		settings: settings,
		logger:   nopLogger{},
		clock:    func() time.Time { return time.Now().UTC() },
		status:   StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SetSource replaces the report source served by /report and drops any
// cached snapshot of the previous one.
func (s *Server) SetSource(source ReportSource) {
	s.mu.Lock()
	s.source = source
	s.mu.Unlock()
	s.cacheMu.Lock()
	s.cachedAt = time.Time{}
	s.cacheMu.Unlock()
}

// Handler returns the HTTP routes without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/report", s.handleReport)
	mux.HandleFunc("/report/summary", s.handleSummary)
	mux.HandleFunc("/items/", s.handleItem)
	return mux
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("reportserver: server is nil")
	}
	if !s.settings.Enabled {
		return ErrServerDisabled
	}
	if err := s.settings.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("reportserver: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("reportserver: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: requestTimeout,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      requestTimeout,
		IdleTimeout:       6 * requestTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("reportserver: serve error: %v", err)
		}
	}()
	s.logger.Printf("reportserver: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	deadline := ctx
	if deadline == nil {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(deadline); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL (scheme + host:port) for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) currentSource() ReportSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(s.clock().Sub(s.startTime).Seconds())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowRead(w, r) {
		return
	}
	resp := healthResponse{
		Status:        string(s.Status()),
		Source:        s.currentSource() != nil,
		UptimeSeconds: s.uptimeSeconds(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if !allowRead(w, r) {
		return
	}
	report, ok := s.snapshot(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if !allowRead(w, r) {
		return
	}
	report, ok := s.snapshot(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, reportSummary{
		BatchID:      report.BatchID,
		RunID:        report.RunID,
		Total:        report.Total,
		Completed:    report.Completed,
		Failed:       report.Failed,
		TimedOut:     report.TimedOut,
		Skipped:      report.Skipped,
		Running:      report.Running,
		Pending:      report.Pending,
		Serial:       report.Serial,
		Finished:     report.Finished(),
		SpeedupRatio: report.SpeedupRatio,
	})
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	if !allowRead(w, r) {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/items/"), "/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "item id required"})
		return
	}
	report, ok := s.snapshot(w)
	if !ok {
		return
	}
	for _, item := range report.Items {
		if item.ItemID == id {
			writeJSON(w, http.StatusOK, item)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown item"})
}

// snapshot returns the source's report, reusing the previous one while it is
// younger than the refresh interval. A finished report never changes and is
// kept until SetSource.
func (s *Server) snapshot(w http.ResponseWriter) (monitor.ExecutionReport, bool) {
	source := s.currentSource()
	if source == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no batch running"})
		return monitor.ExecutionReport{}, false
	}
	interval := s.settings.RefreshInterval
	if interval <= 0 {
		return source.Report(), true
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	now := s.clock()
	if !s.cachedAt.IsZero() && (finalReport(s.cached) || now.Sub(s.cachedAt) < interval) {
		return s.cached, true
	}
	s.cached = source.Report()
	s.cachedAt = now
	return s.cached, true
}

func finalReport(report monitor.ExecutionReport) bool {
	return report.Total > 0 && report.Finished()
}

func allowRead(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", fmt.Sprintf("%s, %s", http.MethodGet, http.MethodHead))
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
