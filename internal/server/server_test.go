package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/inquest/internal/auth"
	"github.com/danmuck/inquest/internal/axiom"
	"github.com/danmuck/inquest/internal/belief"
	"github.com/danmuck/inquest/internal/conductor"
	"github.com/danmuck/inquest/internal/fusion"
	"github.com/danmuck/inquest/internal/gate"
	"github.com/danmuck/inquest/internal/instrument/builtin"
	"github.com/danmuck/inquest/internal/provenance"
	"github.com/danmuck/inquest/internal/raft"
	"github.com/danmuck/inquest/internal/sandbox"
	"github.com/danmuck/inquest/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const sampleManifest = `
version: "1"
id: inq-http
name: thermal sweep
protocol:
  type: parallel
substrate:
  name: rack1
instruments:
  - id: thermal_a
    type: thermal
    capability: sensor.read
    parameters:
      baseline: "22.5"
      spread: "0"
      confidence: "0.9"
  - id: thermal_b
    type: thermal
    capability: sensor.read
    parameters:
      baseline: "22.7"
      spread: "0"
      confidence: "0.9"
`

type stack struct {
	t    *testing.T
	srv  *httptest.Server
	node *raft.Node
}

func newStack(t *testing.T) *stack {
	t.Helper()
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	nop := zerolog.Nop()

	state := conductor.NewClusterState("node-1", belief.NewTracker(belief.Config{}, nop), provenance.NewMemoryStore(), nop)
	net := raft.NewInmemTransport()
	node, err := raft.NewNode(raft.Config{
		ID:                 "node-1",
		ElectionTimeoutMin: 30 * time.Millisecond,
		ElectionTimeoutMax: 60 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
		TickInterval:       5 * time.Millisecond,
	}, raft.NewMemoryLog(), net.View("node-1"), state.Apply, nop)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	net.Attach("node-1", node)

	filter, err := axiom.NewFilter([]axiom.Axiom{{
		Name: "temperature_range", Category: "temperature",
		Kind: axiom.KindRange, Min: 10, Max: 40,
	}}, nop)
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}
	cond := conductor.New(node, state, conductor.Options{
		NodeID:   "node-1",
		Gate:     gate.New(gate.Policy{"lab": {"sensor.read"}}, nop),
		Registry: builtin.Registry(),
		Sandbox:  sandbox.NewDriver(sandbox.Config{}, nop),
		Filter:   filter,
		Fusion:   fusion.NewEngine(fusion.Config{}, nop),
		Logger:   nop,
	})

	ctx, cancel := context.WithCancel(context.Background())
	node.Start(ctx)
	go cond.Run(ctx)

	s := New("node-1", ":0", nil, auth.TokenMap{"dev-token": "lab"}, cond, node)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		node.Wait()
	})

	st := &stack{t: t, srv: ts, node: node}
	st.waitUntil(3*time.Second, "leadership", func() bool {
		_, _, ok := node.Leadership()
		return ok
	})
	return st
}

func (s *stack) waitUntil(timeout time.Duration, what string, cond func() bool) {
	s.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.t.Fatalf("timed out waiting for %s", what)
}

func (s *stack) do(method, path, token, body string) (*http.Response, map[string]any) {
	s.t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	if err != nil {
		s.t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.srv.Client().Do(req)
	if err != nil {
		s.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestInquiryLifecycleOverHTTP(t *testing.T) {
	s := newStack(t)

	resp, payload := s.do(http.MethodPost, "/api/v1/inquiries", "dev-token", sampleManifest)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %v", resp.StatusCode, payload)
	}

	s.waitUntil(5*time.Second, "inquiry completion", func() bool {
		resp, payload := s.do(http.MethodGet, "/api/v1/inquiries/inq-http", "dev-token", "")
		return resp.StatusCode == http.StatusOK && payload["status"] == "completed"
	})

	resp, payload = s.do(http.MethodGet, "/api/v1/inquiries/inq-http/records", "dev-token", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("records status %d", resp.StatusCode)
	}
	recs, ok := payload["records"].([]any)
	if !ok || len(recs) != 1 {
		t.Fatalf("unexpected records payload: %v", payload)
	}

	resp, payload = s.do(http.MethodGet, "/api/v1/beliefs?entity=rack1/temperature", "dev-token", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("belief status %d: %v", resp.StatusCode, payload)
	}
	if payload["status"] != "provisional" {
		t.Fatalf("unexpected belief: %v", payload)
	}

	// Resubmitting the same manifest is accepted without a second run.
	resp, _ = s.do(http.MethodPost, "/api/v1/inquiries", "dev-token", sampleManifest)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("resubmit status %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newStack(t)

	resp, _ := s.do(http.MethodPost, "/api/v1/inquiries", "", sampleManifest)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d", resp.StatusCode)
	}
	resp, _ = s.do(http.MethodPost, "/api/v1/inquiries", "wrong", sampleManifest)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d", resp.StatusCode)
	}
	resp, _ = s.do(http.MethodGet, "/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health must not require auth: %d", resp.StatusCode)
	}
}

func TestAdmissionDeniedMapsTo403(t *testing.T) {
	s := newStack(t)

	denied := strings.Replace(sampleManifest, "sensor.read", "actuator.write", 2)
	resp, payload := s.do(http.MethodPost, "/api/v1/inquiries", "dev-token", denied)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %v", resp.StatusCode, payload)
	}
}

func TestCompilationErrorMapsTo422(t *testing.T) {
	s := newStack(t)

	broken := strings.Replace(sampleManifest, "id: inq-http", "id: \"\"", 1)
	resp, payload := s.do(http.MethodPost, "/api/v1/inquiries", "dev-token", broken)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %v", resp.StatusCode, payload)
	}
	if payload["field"] == "" {
		t.Fatalf("compilation error without field detail: %v", payload)
	}
}

func TestUnknownInquiry404(t *testing.T) {
	s := newStack(t)
	resp, _ := s.do(http.MethodGet, "/api/v1/inquiries/never-submitted", "dev-token", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp, _ = s.do(http.MethodPost, "/api/v1/inquiries/never-submitted/cancel", "dev-token", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel expected 404, got %d", resp.StatusCode)
	}
}

func TestHealthReportsCommitStall(t *testing.T) {
	s := newStack(t)

	resp, payload := s.do(http.MethodGet, "/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
	if stalled, ok := payload["stalled"].(bool); !ok || stalled {
		t.Fatalf("leader reported a stall: %v", payload)
	}

	// A node cut off from every peer never sees a leader, so it cannot
	// commit anything and health must say so.
	nop := zerolog.Nop()
	net := raft.NewInmemTransport()
	node, err := raft.NewNode(raft.Config{
		ID:                 "node-2",
		Peers:              []string{"node-1", "node-3"},
		ElectionTimeoutMin: 30 * time.Millisecond,
		ElectionTimeoutMax: 60 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
		TickInterval:       5 * time.Millisecond,
	}, raft.NewMemoryLog(), net.View("node-2"), nil, nop)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	net.Attach("node-2", node)
	ctx, cancel := context.WithCancel(context.Background())
	node.Start(ctx)
	t.Cleanup(func() {
		cancel()
		node.Wait()
	})

	isolated := httptest.NewServer(New("node-2", ":0", nil, auth.TokenMap{}, nil, node).Router())
	t.Cleanup(isolated.Close)

	s.waitUntil(2*time.Second, "election attempt on the isolated node", func() bool {
		return node.Status().Term > 0
	})

	r, err := isolated.Client().Get(isolated.URL + "/healthz")
	if err != nil {
		t.Fatalf("health on isolated node: %v", err)
	}
	defer r.Body.Close()
	var health map[string]any
	if err := json.NewDecoder(r.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if stalled, ok := health["stalled"].(bool); !ok || !stalled {
		t.Fatalf("isolated node did not report a stall: %v", health)
	}
}

func TestConsensusRPCOverHTTP(t *testing.T) {
	s := newStack(t)

	addr := strings.TrimPrefix(s.srv.URL, "http://")
	transport := NewHTTPTransport(map[string]string{"node-1": addr})

	// Term 0 is below any live term, so neither RPC can disturb the
	// running node; the responses still carry its real term.
	vote, err := transport.RequestVote(context.Background(), "node-1", raft.RequestVoteRequest{
		Term: 0, CandidateID: "node-9",
	})
	if err != nil {
		t.Fatalf("request vote: %v", err)
	}
	if vote.VoteGranted || vote.Term == 0 {
		t.Fatalf("unexpected vote response: %+v", vote)
	}

	ae, err := transport.AppendEntries(context.Background(), "node-1", raft.AppendEntriesRequest{
		Term: 0, LeaderID: "node-9",
	})
	if err != nil {
		t.Fatalf("append entries: %v", err)
	}
	if ae.Success {
		t.Fatalf("stale-term append accepted: %+v", ae)
	}

	if _, err := transport.RequestVote(context.Background(), "node-2", raft.RequestVoteRequest{}); err == nil {
		t.Fatal("unknown peer must error")
	}
}
