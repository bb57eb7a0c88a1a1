package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/ontoserve/authcore/internal/user"
)

const (
	snapshotFile = "users.json"
	backupExt    = ".bak"
	tempExt      = ".new"
)

func (s *Store) snapshotPath() string {
	return filepath.Join(s.dir, snapshotFile)
}

// save serializes the full map and replaces the snapshot with two renames:
// a crash at any single point leaves either the old or the new snapshot
// intact. Called with the map lock held; a successful write schedules a
// replication push.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.users, "", "\t")
	if err != nil {
		return fmt.Errorf("failed to serialize user store: %w", err)
	}

	main := s.snapshotPath()
	temp := main + tempExt
	backup := main + backupExt

	if err := os.WriteFile(temp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", temp, err)
	}
	if _, err := os.Stat(main); err == nil {
		if err := os.Rename(main, backup); err != nil {
			return fmt.Errorf("failed to back up snapshot: %w", err)
		}
	}
	if err := os.Rename(temp, main); err != nil {
		return fmt.Errorf("failed to install snapshot: %w", err)
	}

	s.enqueuePush()
	return nil
}

// loadSnapshot reads the snapshot, if one exists, into the primary map and
// rebuilds both uniqueness indices and the service-token set from it.
// Returns whether a snapshot was present.
func (s *Store) loadSnapshot() (bool, error) {
	if info, err := os.Stat(s.dir); err != nil || !info.IsDir() {
		return false, fmt.Errorf("storage location %s is not a directory", s.dir)
	}

	path := s.snapshotPath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read user store: %w", err)
	}
	s.logger.Info("reading in user store", "path", path)

	var users map[uuid.UUID]*user.User
	if err := json.Unmarshal(data, &users); err != nil {
		return false, fmt.Errorf("failed to parse user store %s: %w", path, err)
	}

	s.mu.Lock()
	for id, u := range users {
		s.users[id] = u
		if u.Email != "" {
			s.byEmail[strings.ToLower(u.Email)] = id
		}
		if u.UserName != "" {
			s.byUserName[strings.ToLower(u.UserName)] = id
		}
	}
	s.mu.Unlock()

	s.tokenMu.Lock()
	for id, u := range users {
		if u.HasServiceToken() {
			s.serviceTokenIDs[id] = struct{}{}
		}
	}
	s.tokenMu.Unlock()

	return true, nil
}
