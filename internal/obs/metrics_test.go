package obs

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                   "/",
		"/metrics":                           "/metrics",
		"/v1/quizzes":                        "/v1/quizzes",
		"/v1/quizzes/pending":                "/v1/quizzes/pending",
		"/v1/quizzes/quiz:01HZ":              "/v1/quizzes/:id",
		"/v1/quizzes/quiz:01HZ/responses":    "/v1/quizzes/:id/responses",
		"/v1/invites/abcdef?x=1":             "/v1/invites/:id",
		"/v1/invites/abcdef/redeem":          "/v1/invites/:id/redeem",
		"/v1/users/me":                       "/v1/users/me",
		"/v1/users/catechists":               "/v1/users/catechists",
		"/v1/users/user:1/password":          "/v1/users/:id/password",
		"/v1/admin/diagnostics/quizzes":      "/v1/admin/diagnostics/quizzes",
		"/v1/admin/diagnostics/quizzes/q:1":  "/v1/admin/diagnostics/quizzes/:id",
		"/v1/admin/repair/quizzes/quiz:1234": "/v1/admin/repair/quizzes/:id",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestLogRespectsLevel(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)
	defer SetLevel("info")

	SetLevel("warn")
	Log("info", "dropped", nil)
	Log("error", "kept", map[string]any{"quiz_id": "quiz:1"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["msg"] != "kept" || entry["level"] != "error" || entry["quiz_id"] != "quiz:1" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestBuildInfoKeepsOneSeries(t *testing.T) {
	InitBuildInfo(BuildInfo{Version: "0.1.0", Commit: "abc", Backend: "memory", GoVersion: "go1.25"})
	InitBuildInfo(BuildInfo{Version: "0.2.0", Commit: "def", Backend: "badger", GoVersion: "go1.25"})

	ch := make(chan prometheus.Metric, 4)
	buildInfo.Collect(ch)
	close(ch)
	var got []prometheus.Metric
	for m := range ch {
		got = append(got, m)
	}
	if len(got) != 1 {
		t.Fatalf("series = %d, want 1", len(got))
	}
	var m dto.Metric
	if err := got[0].Write(&m); err != nil {
		t.Fatalf("write: %v", err)
	}
	labels := map[string]string{}
	for _, l := range m.GetLabel() {
		labels[l.GetName()] = l.GetValue()
	}
	if labels["version"] != "0.2.0" || labels["backend"] != "badger" || m.GetGauge().GetValue() != 1 {
		t.Fatalf("build_info = %v %v", labels, m.GetGauge().GetValue())
	}
}

func TestResolveBuildInfoKeepsLinkedCommit(t *testing.T) {
	info := ResolveBuildInfo("1.0.0", "0123456789ab", "postgres")
	if info.Commit != "0123456789ab" || info.Backend != "postgres" || info.GoVersion == "" {
		t.Fatalf("info = %+v", info)
	}
}
