package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"burstpub/internal/run"
	"burstpub/internal/sink"
	logx "burstpub/pkg/logx"
)

func newTestService(t *testing.T, mem *sink.Memory, defaultWait time.Duration) *Service {
	t.Helper()
	pub := run.NewPublisher(run.PublisherConfig{Attempts: 2}, mem, logx.Nop(), nil)
	orch := run.NewOrchestrator(run.OrchestratorConfig{}, pub, nil, logx.Nop(), nil)
	coord := run.NewCoordinator(run.CoordinatorConfig{}, orch, nil, logx.Nop(), nil)
	coord.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		coord.Stop(ctx)
	})
	return New(Config{Enabled: true, DefaultWait: defaultWait}, coord, logx.Nop())
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("response %q is not JSON: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestSubmitCompletesWithinWait(t *testing.T) {
	t.Parallel()
	mem := sink.NewMemory()
	s := newTestService(t, mem, 5*time.Second)
	h := s.handler()

	rec, body := doJSON(t, h, http.MethodPost, "/api/runs", `{"messageCount": 3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %v", rec.Code, body)
	}
	if body["runId"] == "" || body["runId"] == nil {
		t.Fatalf("missing runId in %v", body)
	}
	if _, has := body["error"]; has {
		t.Fatalf("unexpected error in %v", body)
	}
	if got := len(mem.Messages()); got != 3 {
		t.Fatalf("sink saw %d messages, want 3", got)
	}
}

func TestSubmitReportsFailureInline(t *testing.T) {
	t.Parallel()
	mem := sink.NewMemory()
	mem.SetFailFunc(func(msg sink.Message) error {
		if msg.MessageID == 1 {
			return errors.New("rejected")
		}
		return nil
	})
	s := newTestService(t, mem, 5*time.Second)

	rec, body := doJSON(t, s.handler(), http.MethodPost, "/api/runs", `{"messageCount": 2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %v", rec.Code, body)
	}
	errMsg, _ := body["error"].(string)
	if !strings.Contains(errMsg, "failed") {
		t.Fatalf("error %q does not describe the failure", errMsg)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	s := newTestService(t, sink.NewMemory(), time.Second)
	h := s.handler()

	tests := []struct {
		name   string
		target string
		body   string
	}{
		{name: "missing messageCount", target: "/api/runs", body: `{}`},
		{name: "negative messageCount", target: "/api/runs", body: `{"messageCount": -1}`},
		{name: "negative workTime", target: "/api/runs", body: `{"messageCount": 1, "workTime": -2}`},
		{name: "malformed json", target: "/api/runs", body: `{"messageCount":`},
		{name: "unknown field", target: "/api/runs", body: `{"messageCount": 1, "count": 2}`},
		{name: "bad wait", target: "/api/runs?wait=soon", body: `{"messageCount": 1}`},
		{name: "negative wait", target: "/api/runs?wait=-5s", body: `{"messageCount": 1}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rec, body := doJSON(t, h, http.MethodPost, tt.target, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %v", rec.Code, body)
			}
			if msg, _ := body["error"].(string); msg == "" {
				t.Fatalf("missing error message in %v", body)
			}
		})
	}
}

func TestSubmitTimesOutThenPolls(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	mem := sink.NewMemory()
	mem.SetFailFunc(func(msg sink.Message) error {
		<-release
		return nil
	})
	s := newTestService(t, mem, 20*time.Millisecond)
	h := s.handler()

	rec, body := doJSON(t, h, http.MethodPost, "/api/runs", `{"messageCount": 1}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %v", rec.Code, body)
	}
	id, _ := body["runId"].(string)
	statusURL, _ := body["statusUrl"].(string)
	if id == "" || statusURL != "/api/runs/"+id {
		t.Fatalf("unexpected accepted body %v", body)
	}

	rec, body = doJSON(t, h, http.MethodGet, statusURL, "")
	if rec.Code != http.StatusAccepted || body["status"] != "running" {
		t.Fatalf("poll while running: status = %d, body %v", rec.Code, body)
	}

	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, body = doJSON(t, h, http.MethodGet, statusURL, "")
		if rec.Code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never reached terminal state: %d %v", rec.Code, body)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if body["status"] != "succeeded" {
		t.Fatalf("terminal body %v, want succeeded", body)
	}
}

func TestSubmitFireAndForget(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	mem := sink.NewMemory()
	mem.SetFailFunc(func(msg sink.Message) error {
		<-release
		return nil
	})
	s := newTestService(t, mem, 5*time.Second)

	rec, body := doJSON(t, s.handler(), http.MethodPost, "/api/runs?wait=0s", `{"messageCount": 1}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %v", rec.Code, body)
	}
}

func TestStatusUnknownRun(t *testing.T) {
	t.Parallel()
	s := newTestService(t, sink.NewMemory(), time.Second)

	rec, body := doJSON(t, s.handler(), http.MethodGet, "/api/runs/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body %v", rec.Code, body)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	s := newTestService(t, sink.NewMemory(), time.Second)

	rec, body := doJSON(t, s.handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("status = %d, body %v", rec.Code, body)
	}
}
