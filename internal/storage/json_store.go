package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/noahxzhu/mission-notify/internal/errs"
	"github.com/noahxzhu/mission-notify/internal/model"
)

// errEmptyFile is returned for a zero-length file, which is also what a
// watcher can see between the truncate and the write of a rewrite.
var errEmptyFile = errors.New("datastore file is empty")

// fileSchema is the on-disk layout: the same tree the Realtime Database holds.
type fileSchema struct {
	Missions map[string]json.RawMessage `json:"missions"`
	Users    map[string]fileUser        `json:"users"`
}

type fileUser struct {
	Content struct {
		Token *string `json:"token"`
	} `json:"content"`
}

// Store is a read-only datastore backed by a JSON export of the database.
// It reloads the file when it changes on disk.
type Store struct {
	mu       sync.RWMutex
	filePath string
	logger   *slog.Logger
	missions map[string][]byte
	tokens   map[string]string
}

func NewStore(filePath string, logger *slog.Logger) *Store {
	return &Store{
		filePath: filePath,
		logger:   logger.With("component", "file_store", "path", filePath),
		missions: map[string][]byte{},
		tokens:   map[string]string{},
	}
}

func (s *Store) Load() error {
	missions, tokens, err := s.read()
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, errEmptyFile) {
		missions, tokens, err = map[string][]byte{}, map[string]string{}, nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.missions = missions
	s.tokens = tokens
	s.mu.Unlock()
	return nil
}

func (s *Store) read() (map[string][]byte, map[string]string, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read file: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, errEmptyFile
	}

	var schema fileSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	missions := make(map[string][]byte, len(schema.Missions))
	tokens := make(map[string]string, len(schema.Users))
	for key, raw := range schema.Missions {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, nil, fmt.Errorf("mission %s: %w", key, err)
		}
		missions[key] = buf.Bytes()
	}
	for uid, u := range schema.Users {
		if u.Content.Token != nil && *u.Content.Token != "" {
			tokens[uid] = *u.Content.Token
		}
	}
	return missions, tokens, nil
}

// Missions returns every mission ordered by key. Entries that fail to
// decode are logged and skipped.
func (s *Store) Missions(ctx context.Context) ([]model.MissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.missions))
	for k := range s.missions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return model.LessKey(keys[i], keys[j]) })

	result := make([]model.MissionRecord, 0, len(keys))
	for _, k := range keys {
		var node model.MissionNode
		if err := json.Unmarshal(s.missions[k], &node); err != nil {
			s.logger.Warn("Skipping undecodable mission", "key", k, "error", err)
			continue
		}
		result = append(result, model.MissionRecord{Key: k, Mission: node.Content})
	}
	return result, nil
}

func (s *Store) UserToken(ctx context.Context, uid string) (string, error) {
	if err := ValidateKey(uid); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[uid]
	if !ok {
		return "", errs.ErrNoToken
	}
	return token, nil
}

// reload re-reads the file and returns the keys of missions that existed
// before and whose content changed. A missing or empty file is an error
// here, not an empty datastore.
func (s *Store) reload() ([]string, error) {
	missions, tokens, err := s.read()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	for key, next := range missions {
		if prev, ok := s.missions[key]; ok && !bytes.Equal(prev, next) {
			changed = append(changed, key)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return model.LessKey(changed[i], changed[j]) })

	s.missions = missions
	s.tokens = tokens
	return changed, nil
}

// WatchMissions calls fn for every mission whose content changes on disk,
// until ctx is done.
func (s *Store) WatchMissions(ctx context.Context, fn func(model.MissionChange)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen.
	dir := filepath.Dir(s.filePath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.filePath)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("Watcher error", "error", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			changed, err := s.reload()
			if err != nil {
				// Usually a half-written file; the next write event retries.
				s.logger.Warn("Failed to reload datastore file", "error", err)
				continue
			}
			now := time.Now()
			for _, key := range changed {
				fn(model.MissionChange{Key: key, At: now})
			}
		}
	}
}
