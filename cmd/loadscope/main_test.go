package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/yaml.v3"

	"github.com/torosent/loadscope/internal/config"
	"github.com/torosent/loadscope/internal/recorder"
	"github.com/torosent/loadscope/internal/runner"
)

const testToken = "tok123"

// postsServer renders a listing with a CSRF form and accepts creates.
func postsServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var created atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/posts/", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: testToken, Path: "/"})
		fmt.Fprintf(w, `<html><body><input type="hidden" name="csrfmiddlewaretoken" value="%s"></body></html>`, testToken)
	})
	mux.HandleFunc("/posts/create/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprintf(w, `<form><input name="csrfmiddlewaretoken" value="%s"></form>`, testToken)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("csrfmiddlewaretoken") != testToken {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		created.Add(1)
		http.Redirect(w, r, "/posts/", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &created
}

func TestRunHelp(t *testing.T) {
	var stdout bytes.Buffer
	if err := run([]string{"--help"}, &stdout); err != nil {
		t.Fatalf("run(--help) error = %v", err)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	var stdout bytes.Buffer
	err := run([]string{"--host", "not-a-url", "--users", "0"}, &stdout)
	var vErr config.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("run() error = %v, want ValidationError", err)
	}
	if len(vErr.Issues()) < 2 {
		t.Errorf("issues = %v, want host and users problems", vErr.Issues())
	}
}

func TestRunEndToEnd(t *testing.T) {
	srv, created := postsServer(t)
	dir := t.TempDir()
	summaryPath := filepath.Join(dir, "summary.yaml")
	htmlPath := filepath.Join(dir, "report.html")
	metricsDir := filepath.Join(dir, "results")

	args := []string{
		"--host", srv.URL,
		"--users", "3",
		"--run-time", "1500ms",
		"--wait-min", "10ms",
		"--wait-max", "20ms",
		"--weight-list", "1",
		"--weight-create", "1",
		"--weight-update", "0",
		"--weight-delete", "0",
		"--metrics-dir", metricsDir,
		"--sample-interval", "200ms",
		"--target-pid", fmt.Sprint(os.Getpid()),
		"--db-path", filepath.Join(dir, "missing.sqlite3"),
		"--json-output",
		"--log-level", "error",
		"--summary-file", summaryPath,
		"--html-report", htmlPath,
		"--threshold", "request_failed:rate < 0.5",
		"--threshold", "target_memory:max > 0",
		"--prometheus-addr", "127.0.0.1:0",
	}

	var stdout bytes.Buffer
	if err := run(args, &stdout); err != nil {
		t.Fatalf("run() error = %v\n%s", err, stdout.String())
	}
	if created.Load() == 0 {
		t.Error("no posts were created")
	}

	var report struct {
		Run struct {
			RunID       string `json:"run_id"`
			MetricsFile string `json:"metrics_file"`
			Rows        int    `json:"rows"`
			Thresholds  []struct {
				Pass bool `json:"pass"`
			} `json:"thresholds"`
		} `json:"run"`
		Stats struct {
			Total    int64 `json:"total"`
			Failures int64 `json:"failures"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("report is not JSON: %v\n%s", err, stdout.String())
	}
	if report.Stats.Total == 0 || report.Stats.Failures != 0 {
		t.Errorf("stats = %+v, want traffic without failures", report.Stats)
	}
	if len(report.Run.RunID) != 26 {
		t.Errorf("run id = %q, want a ULID", report.Run.RunID)
	}
	if len(report.Run.Thresholds) != 2 {
		t.Errorf("thresholds = %+v, want 2 outcomes", report.Run.Thresholds)
	}

	f, err := os.Open(report.Run.MetricsFile)
	if err != nil {
		t.Fatalf("metrics file: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(records[0], ",") != strings.Join(recorder.Header, ",") {
		t.Errorf("header = %v", records[0])
	}
	if len(records)-1 != report.Run.Rows || report.Run.Rows < 3 {
		t.Errorf("csv rows = %d, reported %d", len(records)-1, report.Run.Rows)
	}
	for _, rec := range records[1:] {
		if rec[8] != "0" {
			t.Errorf("entities = %s, want 0 for a missing database", rec[8])
		}
	}
	if _, err := os.Stat(report.Run.MetricsFile + ".lock"); !os.IsNotExist(err) {
		t.Errorf("lock file left behind: %v", err)
	}

	data, err := os.ReadFile(summaryPath)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	var summary map[string]any
	if err := yaml.Unmarshal(data, &summary); err != nil {
		t.Fatalf("summary is not YAML: %v", err)
	}
	if run, _ := summary["run"].(map[string]any); run["run_id"] != report.Run.RunID {
		t.Errorf("summary run = %v", summary["run"])
	}

	html, err := os.ReadFile(htmlPath)
	if err != nil {
		t.Fatalf("html report: %v", err)
	}
	if !bytes.Contains(html, []byte(report.Run.RunID)) {
		t.Error("html report does not mention the run id")
	}
}

func TestRunFailsOnBreachedThreshold(t *testing.T) {
	srv, _ := postsServer(t)
	dir := t.TempDir()

	args := []string{
		"--host", srv.URL,
		"--run-time", "500ms",
		"--wait-min", "10ms",
		"--wait-max", "20ms",
		"--weight-update", "0",
		"--weight-delete", "0",
		"--metrics-dir", dir,
		"--sample-interval", "150ms",
		"--target-pid", fmt.Sprint(os.Getpid()),
		"--db-path", filepath.Join(dir, "missing.sqlite3"),
		"--log-level", "error",
		"--threshold", "entities:max > 0",
	}

	var stdout bytes.Buffer
	err := run(args, &stdout)
	if err == nil || !strings.Contains(err.Error(), "1 of 1 thresholds failed") {
		t.Fatalf("run() error = %v, want a threshold failure", err)
	}
	if !strings.Contains(stdout.String(), "Thresholds (0/1 passed):") {
		t.Errorf("report lacks threshold section:\n%s", stdout.String())
	}
}

func TestRunFailsFastWhenPrometheusAddrTaken(t *testing.T) {
	held, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer held.Close()

	srv, created := postsServer(t)
	dir := t.TempDir()
	metricsDir := filepath.Join(dir, "results")
	args := []string{
		"--host", srv.URL,
		"--run-time", "30s",
		"--metrics-dir", metricsDir,
		"--target-pid", fmt.Sprint(os.Getpid()),
		"--log-level", "error",
		"--prometheus-addr", held.Addr().String(),
	}

	var stdout bytes.Buffer
	start := time.Now()
	err = run(args, &stdout)
	if err == nil || !strings.Contains(err.Error(), "prometheus listener") {
		t.Fatalf("run() error = %v, want a prometheus listener error", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("run() took %v, want an immediate failure", elapsed)
	}
	if created.Load() != 0 {
		t.Errorf("created %d posts before failing", created.Load())
	}
	if files, _ := filepath.Glob(filepath.Join(metricsDir, "*.csv")); len(files) != 0 {
		t.Errorf("metrics files written: %v", files)
	}
	if stdout.Len() != 0 {
		t.Errorf("report printed for a run that never started:\n%s", stdout.String())
	}
}

func TestRunRejectsBadThreshold(t *testing.T) {
	var stdout bytes.Buffer
	err := run([]string{"--host", "http://127.0.0.1:1", "--threshold", "memory < 1"}, &stdout)
	var vErr config.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("run() error = %v, want ValidationError", err)
	}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"", "debug", "INFO", " warn "} {
		if _, err := newLogger(level); err != nil {
			t.Errorf("newLogger(%q) error = %v", level, err)
		}
	}
	if _, err := newLogger("loud"); err == nil {
		t.Error("newLogger(loud) should fail")
	}
}

func TestZapFailureLogger(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := zapFailureLogger{logger: zap.New(core)}

	l.LogFailure("create", nil)
	l.LogFailure("create", &runner.HTTPError{StatusCode: 500})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("logged %d entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["task"] != "create" || fields["error"] != "HTTP 500" {
		t.Errorf("fields = %v", fields)
	}
}
