package credstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ownWriteGrace is how long after our own write a change event on the same
// file is still attributed to this process rather than an external editor.
const ownWriteGrace = 2 * time.Second

// Watch monitors the credentials directory for out-of-band changes to
// record files and the key material. External modifications are logged as
// security-relevant and any warmed in-memory copy for the affected record
// is evicted so the next read observes the on-disk state. Blocks until the
// context is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watching credentials dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			s.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			s.logger.Warn("credentials watcher error", slog.String("error", err.Error()))
		}
	}
}

// handleEvent processes a single fsnotify event on the credentials dir.
func (s *Store) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)

	if !watchedFile(name) {
		return
	}

	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Chmod) {
		return
	}

	s.mu.Lock()

	if last, ok := s.ownWrites[name]; ok && time.Since(last) < ownWriteGrace {
		s.mu.Unlock()
		return
	}

	// Evict any warmed copy whose record file this is. The file name is a
	// hash of the account, so match against the accounts currently held.
	evicted := ""

	for account := range s.mem {
		if fileName(account, ModePlaintextFile) == name || fileName(account, ModeEncryptedFile) == name {
			delete(s.mem, account)

			evicted = account

			break
		}
	}

	s.mu.Unlock()

	s.logger.Warn("credential file changed outside this process",
		slog.String("file", name),
		slog.String("op", event.Op.String()),
		slog.Bool("cache_evicted", evicted != ""),
	)
}

// watchedFile reports whether a change to this file name is
// security-relevant.
func watchedFile(name string) bool {
	if name == keyFileName || name == saltFileName || name == backupFileName {
		return true
	}

	if strings.HasPrefix(name, ".credstore-write-") {
		return false
	}

	return strings.HasSuffix(name, plainSuffix) || strings.HasSuffix(name, encryptedSuffix)
}
