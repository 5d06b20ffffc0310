package reader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newPipeSource returns a SerialSource reading from an os.Pipe instead of a
// tty. Pipes support read deadlines, so the timing path is the real one.
func newPipeSource(t *testing.T) (*SerialSource, *os.File) {
	t.Helper()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}

	src := NewSerialSource(SerialConfig{
		Device:      "/dev/test-reader",
		Baud:        9600,
		ReadTimeout: 20 * time.Millisecond,
	}, testLogger(t))
	src.openFunc = func() (*os.File, error) { return r, nil }

	t.Cleanup(func() {
		_ = src.Close()
		_ = r.Close()
		_ = w.Close()
	})

	return src, w
}

func TestSerialSource_ReadsLine(t *testing.T) {
	t.Parallel()

	src, w := newPipeSource(t)

	if _, err := w.Write([]byte("#1234567890ABX\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	line, err := src.ReadLine(context.Background())
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}

	if line != "#1234567890ABX" {
		t.Errorf("ReadLine = %q, want %q", line, "#1234567890ABX")
	}
}

func TestSerialSource_SplitsFramesAcrossOneRead(t *testing.T) {
	t.Parallel()

	src, w := newPipeSource(t)

	// Both frames land in a single read. CRLF terminators must not produce
	// empty lines.
	if _, err := w.Write([]byte("#AAAAAAAAAAAAX\r\n#BBBBBBBBBBBBX\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	want := []string{"#AAAAAAAAAAAAX", "#BBBBBBBBBBBBX"}
	for _, wantLine := range want {
		line, err := src.ReadLine(context.Background())
		if err != nil {
			t.Fatalf("ReadLine: %v", err)
		}

		if line != wantLine {
			t.Errorf("ReadLine = %q, want %q", line, wantLine)
		}
	}
}

func TestSerialSource_FlushesStalledPartialLine(t *testing.T) {
	t.Parallel()

	src, w := newPipeSource(t)

	// No terminator: the line should be handed over once the port goes
	// quiet for a read timeout.
	if _, err := w.Write([]byte("#CCCCCCCCCCCCX")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	line, err := src.ReadLine(context.Background())
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}

	if line != "#CCCCCCCCCCCCX" {
		t.Errorf("ReadLine = %q, want %q", line, "#CCCCCCCCCCCCX")
	}
}

func TestSerialSource_ReopensAfterDeviceLoss(t *testing.T) {
	t.Parallel()

	r1, w1, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}

	r2, w2, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}

	src := NewSerialSource(SerialConfig{
		Device:      "/dev/test-reader",
		ReadTimeout: 20 * time.Millisecond,
	}, testLogger(t))

	opens := 0
	src.openFunc = func() (*os.File, error) {
		opens++
		if opens == 1 {
			return r1, nil
		}

		return r2, nil
	}
	src.sleepFunc = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	t.Cleanup(func() {
		_ = src.Close()
		_ = r1.Close()
		_ = w1.Close()
		_ = r2.Close()
		_ = w2.Close()
	})

	if _, err := w1.Write([]byte("#AAAAAAAAAAAAX\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	line, err := src.ReadLine(context.Background())
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}

	if line != "#AAAAAAAAAAAAX" {
		t.Errorf("ReadLine = %q, want %q", line, "#AAAAAAAAAAAAX")
	}

	// The device vanishes mid-session. The source must reopen and keep
	// reading from the replacement.
	if err := w1.Close(); err != nil {
		t.Fatalf("closing first writer: %v", err)
	}

	if _, err := w2.Write([]byte("#BBBBBBBBBBBBX\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	line, err = src.ReadLine(context.Background())
	if err != nil {
		t.Fatalf("ReadLine after device loss: %v", err)
	}

	if line != "#BBBBBBBBBBBBX" {
		t.Errorf("ReadLine = %q, want %q", line, "#BBBBBBBBBBBBX")
	}

	if opens != 2 {
		t.Errorf("opens = %d, want 2", opens)
	}
}

func TestSerialSource_WaitsForDeviceNode(t *testing.T) {
	t.Parallel()

	device := filepath.Join(t.TempDir(), "ttyUSB0")

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}

	src := NewSerialSource(SerialConfig{
		Device:      device,
		ReadTimeout: 20 * time.Millisecond,
	}, testLogger(t))
	src.openFunc = func() (*os.File, error) {
		if _, err := os.Stat(device); err != nil {
			return nil, err
		}

		return r, nil
	}
	src.sleepFunc = func(ctx context.Context, d time.Duration) error {
		return timeSleep(ctx, 10*time.Millisecond)
	}

	t.Cleanup(func() {
		_ = src.Close()
		_ = r.Close()
		_ = w.Close()
	})

	if _, err := w.Write([]byte("#DDDDDDDDDDDDX\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)

		f, err := os.Create(device)
		if err == nil {
			_ = f.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	line, err := src.ReadLine(ctx)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}

	if line != "#DDDDDDDDDDDDX" {
		t.Errorf("ReadLine = %q, want %q", line, "#DDDDDDDDDDDDX")
	}
}

func TestSerialSource_CancelUnblocksRead(t *testing.T) {
	t.Parallel()

	src, _ := newPipeSource(t)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := src.ReadLine(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ReadLine = %v, want context.Canceled", err)
	}
}
