package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wesm/sessiontrack/internal/tracking"
)

// ProcessedDir is the inbox subdirectory that replayed scripts are
// moved into.
const ProcessedDir = "processed"

// Inbox watches a directory for event scripts, replays each one
// once it has stopped changing for the debounce period, and moves
// it to the processed subdirectory.
type Inbox struct {
	dir       string
	processed string
	runner    *Runner
	watcher   *fsnotify.Watcher
	debounce  time.Duration
	pending   map[string]time.Time
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	stop      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	now       func() time.Time
}

// NewInbox creates the inbox and processed directories if needed
// and starts watching dir.
func NewInbox(
	dir string, debounce time.Duration, runner *Runner,
) (*Inbox, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is nil: %w", os.ErrInvalid)
	}
	processed := filepath.Join(dir, ProcessedDir)
	if err := os.MkdirAll(processed, 0o755); err != nil {
		return nil, fmt.Errorf("creating inbox: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching inbox: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		dir:       dir,
		processed: processed,
		runner:    runner,
		watcher:   fsw,
		debounce:  debounce,
		pending:   make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		now:       time.Now,
	}, nil
}

// Start queues scripts already in the inbox and begins processing
// file events in a goroutine.
func (in *Inbox) Start() {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		log.Printf("inbox: listing %s: %v", in.dir, err)
	}
	in.mu.Lock()
	for _, e := range entries {
		if e.Type().IsRegular() && !hidden(e.Name()) {
			in.pending[filepath.Join(in.dir, e.Name())] = time.Time{}
		}
	}
	in.mu.Unlock()
	go in.loop()
}

// Stop stops the watcher, abandoning any in-flight replay, and
// waits for it to finish.
func (in *Inbox) Stop() {
	in.stopOnce.Do(func() {
		in.cancel()
		close(in.stop)
		<-in.done
		in.watcher.Close()
	})
}

func (in *Inbox) loop() {
	defer close(in.done)
	ticker := time.NewTicker(in.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-in.stop:
			return

		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			in.handleEvent(event)

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("inbox watcher error: %v", err)

		case <-ticker.C:
			in.flush()
		}
	}
}

// handleEvent records writes and creations of top-level files.
func (in *Inbox) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if filepath.Dir(event.Name) != filepath.Clean(in.dir) ||
		hidden(filepath.Base(event.Name)) {
		return
	}

	in.mu.Lock()
	in.pending[event.Name] = in.now()
	in.mu.Unlock()
}

func (in *Inbox) flush() {
	in.mu.Lock()
	if len(in.pending) == 0 {
		in.mu.Unlock()
		return
	}

	now := in.now()
	var ready []string
	for path, t := range in.pending {
		if now.Sub(t) >= in.debounce {
			ready = append(ready, path)
		}
	}

	for _, path := range ready {
		delete(in.pending, path)
	}
	in.mu.Unlock()

	for _, path := range ready {
		in.process(path)
	}
}

// process replays one script and moves it out of the inbox. A
// replay cut short by Stop or by an unavailable store records its
// last handled line in a hidden progress file and leaves the script
// in place, so the next attempt resumes after that line instead of
// applying the earlier directives twice.
func (in *Inbox) process(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	progress := progressPath(path)
	after := readProgress(progress)
	res, err := in.runner.ImportFileFrom(in.ctx, path, after)
	if err != nil && (in.ctx.Err() != nil || tracking.Retryable(err)) {
		if res.LastLine > after {
			if werr := writeProgress(progress, res.LastLine); werr != nil {
				log.Printf("inbox: %v", werr)
			}
		}
		if in.ctx.Err() == nil {
			log.Printf("inbox: %s: %v; retrying", filepath.Base(path), err)
			in.mu.Lock()
			in.pending[path] = in.now()
			in.mu.Unlock()
		}
		return
	}
	if err != nil {
		log.Printf("inbox: %v", err)
	} else {
		log.Printf("inbox: %s: %d applied, %d failed",
			filepath.Base(path), res.Applied, res.Failed)
	}

	dst := filepath.Join(in.processed, filepath.Base(path))
	if _, err := os.Stat(dst); err == nil {
		dst = fmt.Sprintf("%s.%d", dst, in.now().UnixNano())
	}
	if err := os.Rename(path, dst); err != nil {
		log.Printf("inbox: moving %s: %v", path, err)
		return
	}
	if err := os.Remove(progress); err != nil && !os.IsNotExist(err) {
		log.Printf("inbox: removing %s: %v", progress, err)
	}
}

// progressPath names the hidden file holding the last handled line
// of the script at path.
func progressPath(path string) string {
	return filepath.Join(
		filepath.Dir(path), "."+filepath.Base(path)+".progress",
	)
}

func readProgress(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		log.Printf("inbox: ignoring malformed %s", path)
		return 0
	}
	return n
}

func writeProgress(path string, line int) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(line)+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing progress: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("writing progress: %w", err)
	}
	return nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
