package reader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// defaultReadTimeout is the per-read deadline; it doubles as the
	// cadence at which a blocked read notices cancellation and as the
	// quiet period after which a stalled partial frame is flushed.
	defaultReadTimeout = 100 * time.Millisecond

	// reopenDelay holds the loop off after a device failure so a flapping
	// reader cannot spin it.
	reopenDelay = 500 * time.Millisecond

	// devicePollInterval is the fallback poll cadence while waiting for
	// the device node.
	devicePollInterval = 2 * time.Second
)

// SerialConfig holds the serial port options.
type SerialConfig struct {
	Device      string        // device node, e.g. /dev/ttyUSB0
	Baud        int           // line speed, e.g. 9600
	ReadTimeout time.Duration // 0 -> 100ms
}

// SerialSource reads newline-terminated frames from an RFID reader on a
// serial port. It is self-healing: open failures wait for the device node
// to appear (fsnotify on the device directory) and read failures reopen
// the port, so ReadLine only ever fails on context cancellation.
//
// ReadLine is single-consumer; only Close may be called from another
// goroutine.
type SerialSource struct {
	cfg    SerialConfig
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File

	// pending holds bytes read past the last returned line. Owned by the
	// ReadLine goroutine.
	pending []byte

	// Injectable for tests.
	openFunc  func() (*os.File, error)
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewSerialSource prepares a source for the configured device. No I/O
// happens until ReadLine.
func NewSerialSource(cfg SerialConfig, logger *slog.Logger) *SerialSource {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	s := &SerialSource{
		cfg:       cfg,
		logger:    logger,
		sleepFunc: timeSleep,
	}
	s.openFunc = func() (*os.File, error) { return openSerial(s.cfg) }

	return s
}

// ReadLine blocks until the reader transmits a line, reopening the device
// as needed. The only errors it returns are ctx errors.
func (s *SerialSource) ReadLine(ctx context.Context) (string, error) {
	for {
		if err := s.ensureOpen(ctx); err != nil {
			return "", err
		}

		line, err := s.readLineOnce(ctx, s.currentFile())
		if err == nil {
			return line, nil
		}

		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		s.logger.Warn("credential reader failed",
			slog.String("device", s.cfg.Device),
			slog.String("error", err.Error()),
		)

		s.closeFile()

		if err := s.sleepFunc(ctx, reopenDelay); err != nil {
			return "", err
		}
	}
}

// Close releases the port. ReadLine must not be in flight.
func (s *SerialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}

	err := s.file.Close()
	s.file = nil

	return err
}

func (s *SerialSource) currentFile() *os.File {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.file
}

// closeFile drops the port along with any half-read frame from it.
func (s *SerialSource) closeFile() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	s.pending = nil
}

// ensureOpen opens the device, waiting for the node when it is absent.
func (s *SerialSource) ensureOpen(ctx context.Context) error {
	if s.currentFile() != nil {
		return nil
	}

	for {
		f, err := s.openFunc()
		if err == nil {
			s.mu.Lock()
			s.file = f
			s.mu.Unlock()

			s.logger.Info("credential reader connected",
				slog.String("device", s.cfg.Device),
			)

			return nil
		}

		s.logger.Warn("credential reader unavailable",
			slog.String("device", s.cfg.Device),
			slog.String("error", err.Error()),
		)

		// A node that exists but cannot be opened (permissions, busy) has
		// nothing to watch for; plain waiting is all there is.
		if _, statErr := os.Stat(s.cfg.Device); statErr == nil {
			if sleepErr := s.sleepFunc(ctx, devicePollInterval); sleepErr != nil {
				return sleepErr
			}

			continue
		}

		if waitErr := s.waitForDevice(ctx); waitErr != nil {
			return waitErr
		}
	}
}

// readLineOnce returns the next line from the port. The read deadline fires
// every ReadTimeout so cancellation is noticed, and a frame that stalls
// mid-line is flushed as-is once the port goes quiet, the way a timed
// readline would hand it over.
func (s *SerialSource) readLineOnce(ctx context.Context, f *os.File) (string, error) {
	chunk := make([]byte, 64)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if line, ok := s.takeLine(); ok {
			return line, nil
		}

		if err := f.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return "", fmt.Errorf("reader: arming read deadline: %w", err)
		}

		n, err := f.Read(chunk)
		s.pending = append(s.pending, chunk[:n]...)

		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if line := s.takePartial(); line != "" {
					return line, nil
				}

				continue
			}

			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("reader: device %s closed: %w", s.cfg.Device, err)
			}

			return "", fmt.Errorf("reader: reading %s: %w", s.cfg.Device, err)
		}
	}
}

// takeLine cuts the first complete line out of the pending buffer. Bare
// terminators and CRLF pairs leave empty lines, which are consumed and
// skipped.
func (s *SerialSource) takeLine() (string, bool) {
	for {
		i := bytes.IndexAny(s.pending, "\r\n")
		if i < 0 {
			return "", false
		}

		line := string(s.pending[:i])
		s.pending = s.pending[i+1:]

		if line != "" {
			return line, true
		}
	}
}

// takePartial flushes whatever has accumulated without a terminator.
func (s *SerialSource) takePartial() string {
	if len(s.pending) == 0 {
		return ""
	}

	line := string(s.pending)
	s.pending = nil

	return line
}

// waitForDevice blocks until the device node appears. fsnotify watches the
// device directory; a ticker re-stats as a safety net for missed events.
func (s *SerialSource) waitForDevice(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("filesystem watcher unavailable, polling for device",
			slog.String("error", err.Error()),
		)

		return s.pollForDevice(ctx)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.cfg.Device)); err != nil {
		s.logger.Warn("cannot watch device directory, polling for device",
			slog.String("error", err.Error()),
		)

		return s.pollForDevice(ctx)
	}

	s.logger.Info("waiting for credential reader device",
		slog.String("device", s.cfg.Device),
	)

	ticker := time.NewTicker(devicePollInterval)
	defer ticker.Stop()

	for {
		// The node may have appeared before the watch was armed.
		if _, err := os.Stat(s.cfg.Device); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return s.pollForDevice(ctx)
			}

			if event.Name == s.cfg.Device && event.Has(fsnotify.Create) {
				return nil
			}

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return s.pollForDevice(ctx)
			}

			s.logger.Warn("device watch error", slog.String("error", watchErr.Error()))

		case <-ticker.C:
		}
	}
}

func (s *SerialSource) pollForDevice(ctx context.Context) error {
	for {
		if _, err := os.Stat(s.cfg.Device); err == nil {
			return nil
		}

		if err := s.sleepFunc(ctx, devicePollInterval); err != nil {
			return err
		}
	}
}

// openSerial opens the device and puts the line in raw mode at the
// configured speed.
func openSerial(cfg SerialConfig) (*os.File, error) {
	f, err := os.OpenFile(cfg.Device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("reader: opening %s: %w", cfg.Device, err)
	}

	if err := configureTTY(int(f.Fd()), cfg.Baud); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("reader: configuring %s: %w", cfg.Device, err)
	}

	return f, nil
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
