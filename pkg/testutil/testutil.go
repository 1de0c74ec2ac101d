// Package testutil holds helpers shared by the package tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// LogCapture collects zerolog output for assertions.
type LogCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLogCapture returns a capture and a debug-level logger writing into it.
func NewLogCapture() (*LogCapture, zerolog.Logger) {
	lc := &LogCapture{}
	return lc, zerolog.New(lc).Level(zerolog.DebugLevel)
}

func (lc *LogCapture) Write(p []byte) (int, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.Write(p)
}

// String returns everything logged so far.
func (lc *LogCapture) String() string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.String()
}

// Contains reports whether any log line contains s.
func (lc *LogCapture) Contains(s string) bool {
	return strings.Contains(lc.String(), s)
}

// Entries decodes every captured JSON line.
func (lc *LogCapture) Entries() []map[string]interface{} {
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(lc.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err == nil {
			out = append(out, entry)
		}
	}
	return out
}

// WriteFiles creates files relative to dir (parent directories included)
// and returns the created path for each name.
func WriteFiles(t testing.TB, dir string, files map[string]string) map[string]string {
	t.Helper()
	paths := make(map[string]string, len(files))
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		paths[name] = p
	}
	return paths
}

// WriteTypicalFiles creates n small distinct text files under dir and
// returns their paths in creation order.
func WriteTypicalFiles(t testing.TB, dir string, n int) []string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	paths := make([]string, 0, n)
	for i := 0; i < n; i++ {
		p := filepath.Join(dir, fmt.Sprintf("note-%03d.txt", i))
		require.NoError(t, os.WriteFile(p, []byte(fmt.Sprintf("meeting notes %d\n", i)), 0o644))
		paths = append(paths, p)
	}
	return paths
}

// Report is the canned answer of the fake reputation service for one hash.
type Report struct {
	Status     int
	Malicious  uint32
	Suspicious uint32
	Harmless   uint32
	Undetected uint32
	Timeout    uint32
	Date       int64
	// NoAttributes returns a 200 whose body lacks data.attributes.
	NoAttributes bool
}

// FakeReputationServer mimics the file report endpoint of the reputation
// service. Unknown hashes answer 404.
type FakeReputationServer struct {
	*httptest.Server

	apiKey   string
	mu       sync.Mutex
	reports  map[string]Report
	requests map[string]int
	total    int
}

// NewFakeReputationServer starts a server that requires apiKey in x-apikey.
// It is closed when the test ends.
func NewFakeReputationServer(t testing.TB, apiKey string) *FakeReputationServer {
	f := &FakeReputationServer{
		apiKey:   apiKey,
		reports:  make(map[string]Report),
		requests: make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Close)
	return f
}

// SetReport installs the answer for hash.
func (f *FakeReputationServer) SetReport(hash string, r Report) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[hash] = r
}

// Requests returns how many queries reached the server for hash.
func (f *FakeReputationServer) Requests(hash string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[hash]
}

// TotalRequests returns the number of queries for any hash.
func (f *FakeReputationServer) TotalRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

// Address returns host:port, usable as a connectivity probe target.
func (f *FakeReputationServer) Address() string {
	return f.Listener.Addr().String()
}

func (f *FakeReputationServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("x-apikey") != f.apiKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	hash := strings.TrimPrefix(r.URL.Path, "/files/")

	f.mu.Lock()
	f.requests[hash]++
	f.total++
	report, ok := f.reports[hash]
	f.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"NotFoundError"}}`))
		return
	}
	if report.Status != 0 && report.Status != http.StatusOK {
		w.WriteHeader(report.Status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if report.NoAttributes {
		_, _ = w.Write([]byte(`{"data":{"id":"` + hash + `"}}`))
		return
	}
	body := map[string]interface{}{
		"data": map[string]interface{}{
			"id":   hash,
			"type": "file",
			"attributes": map[string]interface{}{
				"last_analysis_date": report.Date,
				"last_analysis_stats": map[string]uint32{
					"harmless":   report.Harmless,
					"malicious":  report.Malicious,
					"suspicious": report.Suspicious,
					"undetected": report.Undetected,
					"timeout":    report.Timeout,
				},
			},
		},
	}
	_ = json.NewEncoder(w).Encode(body)
}
