package mobile

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/ringdown/ringdown/internal/observability"
)

// spoolSettle is how long a spool file must sit quiet before it is read.
// Uploads land in chunks; reading on the first write would truncate them.
const spoolSettle = 200 * time.Millisecond

// SpoolWatcher feeds the control harness from a directory: drop an audio
// file named <sessionID>_<promptID>.<ext> into the spool and it is
// base64-encoded, enqueued on that session's control queue, and removed.
// Hardware-free end-to-end testing drives calls this way.
type SpoolWatcher struct {
	dir      string
	sessions *SessionManager
	logger   *observability.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewSpoolWatcher builds a watcher over dir. Start wires it up.
func NewSpoolWatcher(dir string, sessions *SessionManager, logger *observability.Logger) *SpoolWatcher {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &SpoolWatcher{
		dir:      dir,
		sessions: sessions,
		logger:   logger.WithComponent("spool"),
		timers:   make(map[string]*time.Timer),
	}
}

// Start creates the spool directory if needed, sweeps files already
// present, and begins watching for new ones.
func (s *SpoolWatcher) Start(ctx context.Context) error {
	if s.dir == "" {
		return errors.New("mobile: spool dir not configured")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("mobile: create spool dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("mobile: spool watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("mobile: watch spool dir: %w", err)
	}
	s.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Files that arrived before the watcher did.
	entries, err := os.ReadDir(s.dir)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				s.scheduleFile(watchCtx, filepath.Join(s.dir, entry.Name()))
			}
		}
	}

	s.wg.Add(1)
	go s.watchLoop(watchCtx)

	s.logger.Info(ctx, "control spool watching", "dir", s.dir)
	return nil
}

// Close stops the watcher and waits for the loop to exit.
func (s *SpoolWatcher) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	for path, timer := range s.timers {
		timer.Stop()
		delete(s.timers, path)
	}
	s.mu.Unlock()
	return err
}

func (s *SpoolWatcher) watchLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if ignoreSpoolFile(filepath.Base(event.Name)) {
				continue
			}
			s.scheduleFile(ctx, event.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn(ctx, "spool watch error", "error", err)
		}
	}
}

// scheduleFile (re)arms the per-file settle timer. Every write extends the
// window; the file is consumed once it stops changing.
func (s *SpoolWatcher) scheduleFile(ctx context.Context, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[path]; ok {
		timer.Stop()
	}
	s.timers[path] = time.AfterFunc(spoolSettle, func() {
		s.mu.Lock()
		delete(s.timers, path)
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		s.handleFile(ctx, path)
	})
}

// handleFile parses, encodes, enqueues, and removes one spool file.
func (s *SpoolWatcher) handleFile(ctx context.Context, path string) {
	name := filepath.Base(path)
	sessionID, promptID, format, sampleRate, ok := parseSpoolName(name)
	if !ok {
		s.logger.Debug(ctx, "spool file ignored", "file", name)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn(ctx, "spool read failed", "file", name, "error", err)
		}
		return
	}
	if len(data) == 0 {
		// Still being written; the next write re-arms the timer.
		return
	}

	msg := ControlMessage{
		MessageID:    uuid.NewString(),
		PromptID:     promptID,
		AudioBase64:  base64.StdEncoding.EncodeToString(data),
		SampleRateHz: sampleRate,
		Channels:     1,
		Format:       format,
		Metadata:     map[string]string{"source": "spool", "file": name},
	}

	err = s.sessions.EnqueueControl(ctx, sessionID, msg)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		s.logger.Warn(ctx, "spool file for unknown session",
			"file", name, "session_id", sessionID)
	case err != nil:
		s.logger.Error(ctx, "spool enqueue failed", "file", name, "error", err)
		return
	default:
		s.logger.Info(ctx, "control audio enqueued",
			"session_id", sessionID, "prompt_id", promptID,
			"format", format, "bytes", len(data))
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn(ctx, "spool cleanup failed", "file", name, "error", err)
	}
}

// parseSpoolName splits <sessionID>_<promptID>.<ext>. Session and prompt
// ids never contain underscores, so the first one is the separator.
func parseSpoolName(name string) (sessionID, promptID, format string, sampleRate int, ok bool) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	sessionID, promptID, found := strings.Cut(base, "_")
	if !found || sessionID == "" || promptID == "" {
		return "", "", "", 0, false
	}

	format, sampleRate, ok = audioFormatForExt(strings.ToLower(ext))
	if !ok {
		return "", "", "", 0, false
	}
	return sessionID, promptID, format, sampleRate, true
}

func audioFormatForExt(ext string) (format string, sampleRate int, ok bool) {
	switch ext {
	case ".wav":
		return "wav", 16000, true
	case ".pcm", ".raw":
		return "pcm16", 16000, true
	case ".ulaw":
		return "ulaw", 8000, true
	case ".mp3":
		return "mp3", 44100, true
	default:
		return "", 0, false
	}
}

func ignoreSpoolFile(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return true
	}
	switch {
	case strings.HasSuffix(name, "~"),
		strings.HasSuffix(name, ".tmp"),
		strings.HasSuffix(name, ".part"),
		strings.HasSuffix(name, ".swp"):
		return true
	}
	return false
}
