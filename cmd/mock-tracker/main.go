// Package main implements a mock tracker API server for local development
// and e2e runs. It serves every endpoint the doctrack client consumes from
// an in-memory store, so uploads and removals are visible to later reads.
//
// Usage:
//
//	mock-tracker -port 8089 -seed -fixtures /path/to/fixtures.json
//
// The fixture file is JSON with two optional lists:
//
//	{"documents": [{"Year": "2025", "TrackingNumber": "T-9", ...}],
//	 "attachments": [{"year": "2025", "tracking_number": "T-9", "file": {...}}]}
//
// Besides the tracker endpoints the server exposes /stats (call counts per
// path) and /metrics (Prometheus).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/doctrack/trackertest"
)

// fixtureFile is the on-disk layout read by loadFixtures.
type fixtureFile struct {
	Documents   []*trackertest.Document `json:"documents"`
	Attachments []fixtureAttachment     `json:"attachments"`
}

type fixtureAttachment struct {
	Year           string                 `json:"year"`
	TrackingNumber string                 `json:"tracking_number"`
	File           trackertest.StoredFile `json:"file"`
}

type server struct {
	tracker  *trackertest.Tracker
	registry *prometheus.Registry
	requests *prometheus.CounterVec
}

func newServer(tracker *trackertest.Tracker) *server {
	s := &server{
		tracker:  tracker,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mock_tracker",
			Name:      "requests_total",
			Help:      "Requests served by the mock tracker, by status code and method.",
		}, []string{"code", "method"}),
	}
	s.registry.MustRegister(s.requests)
	return s
}

// handler routes the bookkeeping endpoints and hands everything else to
// the tracker.
func (s *server) handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.PathPrefix("/").Handler(promhttp.InstrumentHandlerCounter(s.requests, s.tracker.Handler()))
	return r
}

// handleStats returns call counts for test assertions.
// Returns total_calls and per-path calls_by_path breakdown.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":   s.tracker.TotalCalls(),
		"calls_by_path": s.tracker.CallCounts(),
	})
}

func main() {
	fixturePath := flag.String("fixtures", "", "JSON file with extra documents and attachments")
	port := flag.Int("port", 8089, "port to listen on")
	seed := flag.Bool("seed", true, "load the built-in sample documents")
	token := flag.String("token", "", "bearer token required on every request (empty = none)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Allow env var override
	if envPath := os.Getenv("MOCK_TRACKER_FIXTURES"); envPath != "" && *fixturePath == "" {
		*fixturePath = envPath
	}

	tracker := trackertest.New()
	if *seed {
		tracker.Seed()
	}
	if *fixturePath != "" {
		fixtures, err := loadFixtures(*fixturePath)
		if err != nil {
			logger.Error("Failed to load fixtures", "path", *fixturePath, "error", err)
			os.Exit(1)
		}
		apply(tracker, fixtures)
		logger.Info("Loaded fixtures", "path", *fixturePath,
			"documents", len(fixtures.Documents), "attachments", len(fixtures.Attachments))
	}
	tracker.RequireToken(*token)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           newServer(tracker).handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("Mock tracker listening", "addr", srv.Addr, "seeded", *seed, "token_required", *token != "")
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// loadFixtures reads a fixture file.
func loadFixtures(path string) (*fixtureFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}

	var f fixtureFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}

	for i, d := range f.Documents {
		if d == nil || d.Year == "" || d.TrackingNumber == "" {
			return nil, fmt.Errorf("document %d: Year and TrackingNumber are required", i)
		}
	}
	for i, a := range f.Attachments {
		if a.Year == "" || a.TrackingNumber == "" || a.File.FormType == "" {
			return nil, fmt.Errorf("attachment %d: year, tracking_number and file.FormType are required", i)
		}
	}
	return &f, nil
}

func apply(tracker *trackertest.Tracker, f *fixtureFile) {
	for _, d := range f.Documents {
		tracker.AddDocument(d)
	}
	for _, a := range f.Attachments {
		tracker.PutFile(a.Year, a.TrackingNumber, a.File)
	}
}
