package notify

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/sminos/internal/compare"
	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/swarm"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChunkMessage(t *testing.T) {
	// Short message
	chunks := chunkMessage("hello", 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}

	// Exact limit
	msg := make([]byte, 4096)
	for i := range msg {
		msg[i] = 'a'
	}
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for exact limit, got %d", len(chunks))
	}

	// Over limit
	msg = make([]byte, 8192)
	for i := range msg {
		msg[i] = 'a'
	}
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(chunks))
	}

	// Split at newline
	msg = make([]byte, 5000)
	for i := range msg {
		msg[i] = 'a'
	}
	msg[3000] = '\n'
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks with newline split, got %d", len(chunks))
	}
	if len(chunks[0]) != 3001 { // Up to and including the newline
		t.Errorf("expected first chunk length 3001, got %d", len(chunks[0]))
	}
}

func TestSummarizeCompleted(t *testing.T) {
	data := map[string]any{
		"results":        2.0,
		"best_solver":    "alpha",
		"best_objective": 10.0,
		"confidence":     0.9,
	}
	got := summarize("swarm_completed", "f47ac10b-58cc-4372-a567-0e02b2c3d479", data)

	for _, want := range []string{"f47ac10b", "completed", "Best: alpha", "objective 10", "Confidence: 0.90"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Failed workers") {
		t.Errorf("summary lists failed workers with none failed:\n%s", got)
	}
}

func TestSummarizeFailureListsWorkers(t *testing.T) {
	// Lists arrive as []any after the JSON round trip over the bus.
	data := map[string]any{
		"results":        0.0,
		"failed_workers": []any{"alpha", "beta"},
	}
	got := summarize("swarm_failed", "swarm-1", data)

	if !strings.Contains(got, "failed") {
		t.Errorf("summary missing failure marker:\n%s", got)
	}
	if !strings.Contains(got, "alpha, beta") {
		t.Errorf("summary missing failed workers:\n%s", got)
	}
}

func TestSummarizeSkipsNonTerminal(t *testing.T) {
	for _, eventType := range []string{"progress", "new_best", "worker_completed", "swarm_running", "swarm_cancelled"} {
		if got := summarize(eventType, "swarm-1", nil); got != "" {
			t.Errorf("summarize(%s) = %q, want empty", eventType, got)
		}
	}
}

func TestAllowed(t *testing.T) {
	open := &Notifier{cfg: config.TelegramConfig{}}
	if !open.allowed(42) {
		t.Error("empty allow list should admit everyone")
	}

	gated := &Notifier{cfg: config.TelegramConfig{AllowFrom: []int64{1, 2}}}
	if !gated.allowed(2) {
		t.Error("listed user rejected")
	}
	if gated.allowed(3) {
		t.Error("unlisted user admitted")
	}
}

func TestCommandReplyHistory(t *testing.T) {
	s := newTestStore(t)
	best, _ := json.Marshal(map[string]any{"solver": "alpha", "status": "optimal", "objective": 10.0})
	run := &store.SwarmRun{
		ID:        "f47ac10b-58cc-4372-a567-0e02b2c3d479",
		ProblemID: "prob-1",
		Pattern:   "competitive",
		Status:    "completed",
		Workers:   json.RawMessage(`[]`),
		Best:      best,
	}
	if err := s.SaveSwarmRun(run); err != nil {
		t.Fatalf("save run: %v", err)
	}

	n := &Notifier{store: s}
	got := n.commandReply("/history")

	for _, want := range []string{"f47ac10b", "competitive", "completed", "best=alpha", "obj=10"} {
		if !strings.Contains(got, want) {
			t.Errorf("history reply missing %q:\n%s", want, got)
		}
	}
}

func TestCommandReplyStatus(t *testing.T) {
	s := newTestStore(t)
	m := swarm.NewManager(s, nil, compare.New(nil), config.SwarmConfig{
		MaxConcurrency: 4,
		DefaultTimeout: time.Minute,
		HistoryCap:     10,
	})
	n := &Notifier{swarms: m}

	if got := n.commandReply("/status"); got != "No active swarms." {
		t.Errorf("idle status reply = %q", got)
	}

	snap, err := m.Create(swarm.CreateRequest{
		ProblemID: "prob-1",
		Pattern:   swarm.PatternCompetitive,
		Workers:   []swarm.WorkerSeed{{ID: "w1", Solver: "alpha"}},
	})
	if err != nil {
		t.Fatalf("create swarm: %v", err)
	}

	got := n.commandReply("/status@sminosbot")
	if !strings.Contains(got, shortID(snap.ID)) || !strings.Contains(got, "competitive") {
		t.Errorf("status reply missing swarm line:\n%s", got)
	}
}

func TestCommandReplyHelp(t *testing.T) {
	n := &Notifier{}
	got := n.commandReply("/help")
	if !strings.Contains(got, "/status") || !strings.Contains(got, "/history") {
		t.Errorf("help reply incomplete:\n%s", got)
	}
	if n.commandReply("just chatting") != "" {
		t.Error("non-command text should not get a reply")
	}
}
