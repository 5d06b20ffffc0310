package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// toolRecorder captures relay tool invocations and can fail specific calls.
type toolRecorder struct {
	mu    sync.Mutex
	calls [][]string
	errOn map[int]error // 1-based call index -> error
	out   []byte
}

func (r *toolRecorder) run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, append([]string{name}, args...))

	if err := r.errOn[len(r.calls)]; err != nil {
		return r.out, err
	}

	return nil, nil
}

func (r *toolRecorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.calls)
}

func (r *toolRecorder) call(i int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.calls[i]...)
}

// newTestController wires a Controller with recorded tool runs and holds.
func newTestController(t *testing.T, rec *toolRecorder) (*Controller, *[]time.Duration) {
	t.Helper()

	c, err := New(Config{
		Tool:        "relaytool",
		Args:        []string{"-jar", "/opt/relaytool.jar"},
		BoardSerial: "0007252401",
		BoardModel:  "4v2",
		Relays:      map[string]int{"Jones House": 1, "Harvey House": 2},
	}, testLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	holds := &[]time.Duration{}

	c.runFunc = rec.run
	c.holdFunc = func(_ context.Context, d time.Duration) error {
		*holds = append(*holds, d)
		return nil
	}

	return c, holds
}

func TestOpen_PulsesOnThenOff(t *testing.T) {
	t.Parallel()

	rec := &toolRecorder{}
	c, holds := newTestController(t, rec)

	if err := c.Open(context.Background(), "Harvey House", 0); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if rec.callCount() != 2 {
		t.Fatalf("tool calls = %d, want 2 (on then off)", rec.callCount())
	}

	on := rec.call(0)
	wantOn := []string{"relaytool", "-jar", "/opt/relaytool.jar", "0007252401", "4v2", "2", "1"}

	if len(on) != len(wantOn) {
		t.Fatalf("on invocation = %v, want %v", on, wantOn)
	}

	for i := range wantOn {
		if on[i] != wantOn[i] {
			t.Errorf("on arg[%d] = %q, want %q", i, on[i], wantOn[i])
		}
	}

	off := rec.call(1)
	if off[len(off)-2] != "2" || off[len(off)-1] != "0" {
		t.Errorf("off invocation = %v, want relay 2 state 0", off)
	}

	if len(*holds) != 1 || (*holds)[0] != DefaultHold {
		t.Errorf("holds = %v, want [%v]", *holds, DefaultHold)
	}
}

func TestOpen_CustomHold(t *testing.T) {
	t.Parallel()

	rec := &toolRecorder{}
	c, holds := newTestController(t, rec)

	if err := c.Open(context.Background(), "Jones House", 10*time.Second); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if len(*holds) != 1 || (*holds)[0] != 10*time.Second {
		t.Errorf("holds = %v, want [10s]", *holds)
	}

	on := rec.call(0)
	if on[len(on)-2] != "1" {
		t.Errorf("on invocation = %v, want relay 1", on)
	}
}

func TestOpen_UnknownSite(t *testing.T) {
	t.Parallel()

	rec := &toolRecorder{}
	c, _ := newTestController(t, rec)

	err := c.Open(context.Background(), "Nowhere Lane", 0)
	if !errors.Is(err, ErrUnknownSite) {
		t.Fatalf("Open(unknown site) = %v, want ErrUnknownSite", err)
	}

	if rec.callCount() != 0 {
		t.Errorf("tool calls = %d, want 0 for unknown site", rec.callCount())
	}
}

func TestOpen_OnFailureSkipsOff(t *testing.T) {
	t.Parallel()

	rec := &toolRecorder{
		errOn: map[int]error{1: errors.New("exit status 1")},
		out:   []byte("board not found\n"),
	}
	c, _ := newTestController(t, rec)

	err := c.Open(context.Background(), "Jones House", 0)
	if err == nil {
		t.Fatal("Open succeeded despite on failure")
	}

	if !strings.Contains(err.Error(), "board not found") {
		t.Errorf("error %v does not carry tool output", err)
	}

	if rec.callCount() != 1 {
		t.Errorf("tool calls = %d, want 1 (no off after failed on)", rec.callCount())
	}
}

func TestOpen_OffRunsAfterCanceledHold(t *testing.T) {
	t.Parallel()

	rec := &toolRecorder{}
	c, _ := newTestController(t, rec)
	c.holdFunc = func(context.Context, time.Duration) error {
		return context.Canceled
	}

	err := c.Open(context.Background(), "Jones House", time.Minute)
	if err == nil {
		t.Fatal("Open hid the interrupted hold")
	}

	if !strings.Contains(err.Error(), "hold interrupted") {
		t.Errorf("error = %v, want interrupted hold", err)
	}

	if rec.callCount() != 2 {
		t.Errorf("tool calls = %d, want 2 (off must run after canceled hold)", rec.callCount())
	}
}

func TestOpen_OffFailureSurfaces(t *testing.T) {
	t.Parallel()

	rec := &toolRecorder{
		errOn: map[int]error{2: errors.New("exit status 1")},
	}
	c, _ := newTestController(t, rec)

	if err := c.Open(context.Background(), "Jones House", 0); err == nil {
		t.Fatal("Open hid the off failure")
	}

	if rec.callCount() != 2 {
		t.Errorf("tool calls = %d, want 2", rec.callCount())
	}
}

func TestNew_RejectsIncompleteConfig(t *testing.T) {
	t.Parallel()

	relays := map[string]int{"Jones House": 1}

	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing tool", Config{BoardSerial: "s", BoardModel: "m", Relays: relays}},
		{"missing serial", Config{Tool: "relaytool", BoardModel: "m", Relays: relays}},
		{"missing model", Config{Tool: "relaytool", BoardSerial: "s", Relays: relays}},
		{"no relays", Config{Tool: "relaytool", BoardSerial: "s", BoardModel: "m"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if _, err := New(tc.cfg, testLogger(t)); err == nil {
				t.Error("New accepted incomplete config")
			}
		})
	}
}

func TestSites_ListsConfiguredStreets(t *testing.T) {
	t.Parallel()

	rec := &toolRecorder{}
	c, _ := newTestController(t, rec)

	sites := c.Sites()
	if len(sites) != 2 {
		t.Fatalf("Sites = %v, want 2 entries", sites)
	}

	seen := map[string]bool{}
	for _, s := range sites {
		seen[s] = true
	}

	if !seen["Jones House"] || !seen["Harvey House"] {
		t.Errorf("Sites = %v, want Jones House and Harvey House", sites)
	}
}
