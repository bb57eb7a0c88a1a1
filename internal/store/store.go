package store

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ontoserve/authcore/internal"
	"github.com/ontoserve/authcore/internal/role"
	"github.com/ontoserve/authcore/internal/user"
)

// AutomatedUserID is the reserved id of the automated service account. The
// account is seeded at bootstrap and immutable from the outside afterwards.
var AutomatedUserID = uuid.MustParse("8c3d9a41-2f6b-4e1a-b6d4-5a0c7f19e2d8")

// LockoutThreshold is the number of consecutive failed authentication
// attempts after which an account is disabled.
const LockoutThreshold = 5

const pushTimeout = 30 * time.Second

// Replicator syncs the snapshot file with an external versioned store.
// Failures are logged by the caller and never block store availability.
type Replicator interface {
	Pull(ctx context.Context) error
	Push(ctx context.Context) error
}

// Store is the concurrent credential store: the primary id->record map,
// the case-insensitive username and email uniqueness indices derived from
// it, the service-token membership set and the per-user failure counters.
//
// All mutations of the map and its indices run under one write lock, so
// concurrent readers never observe an old and a new index entry resolving
// to conflicting ids. The failure counters and the service-token set use
// their own locks and are touched outside the map's critical section.
type Store struct {
	mu         sync.RWMutex
	users      map[uuid.UUID]*user.User
	byUserName map[string]uuid.UUID
	byEmail    map[string]uuid.UUID

	tokenMu         sync.RWMutex
	serviceTokenIDs map[uuid.UUID]struct{}

	failMu     sync.Mutex
	failCounts map[uuid.UUID]int

	notifyMu sync.RWMutex
	notify   func(uuid.UUID)

	dir        string
	bcryptCost int
	replicator Replicator
	logger     *slog.Logger

	pushCh chan struct{}
	pushWG sync.WaitGroup

	bootstrapped bool
}

// New builds the store and runs the bootstrap sequence: replication pull,
// snapshot load, initial push, optional bulk import, automated-account
// seeding. Only a broken storage location is fatal; replication and import
// problems are logged and absorbed.
func New(cfg *internal.Config, replicator Replicator, logger *slog.Logger) (*Store, error) {
	s := &Store{
		users:           make(map[uuid.UUID]*user.User),
		byUserName:      make(map[string]uuid.UUID),
		byEmail:         make(map[string]uuid.UUID),
		serviceTokenIDs: make(map[uuid.UUID]struct{}),
		failCounts:      make(map[uuid.UUID]int),
		dir:             cfg.Storage.Dir,
		bcryptCost:      cfg.Security.Cost(),
		replicator:      replicator,
		logger:          logger,
		pushCh:          make(chan struct{}, 1),
	}

	if s.replicator != nil {
		ctx, cancel := internal.WithTimeout(context.Background(), pushTimeout)
		if err := s.replicator.Pull(ctx); err != nil {
			s.logger.Error("initial replication pull failed", "error", err)
		}
		cancel()
		s.pushWG.Add(1)
		go s.pushWorker()
	}

	loaded, err := s.loadSnapshot()
	if err != nil {
		return nil, err
	}
	if loaded {
		// push what we just loaded so a fresh remote catches up
		s.enqueuePush()
	} else {
		s.logger.Info("creating a new user store", "dir", s.dir)
	}

	if path := cfg.Import.ImportPath(); path != "" {
		if err := s.importFromFile(path); err != nil {
			s.logger.Error("user import failed", "path", path, "error", err)
		}
	}

	if err := s.seedAutomatedUser(cfg.Security.AutomatedServiceToken); err != nil {
		return nil, err
	}
	s.bootstrapped = true
	return s, nil
}

func (s *Store) seedAutomatedUser(serviceToken string) error {
	automated := user.New(AutomatedUserID, "automated", "automated", role.NewSet(role.Automated), nil)
	automated.Enabled = serviceToken != ""
	if err := automated.SetServiceToken(serviceToken); err != nil {
		return err
	}
	s.logger.Debug("updating automated user", "enabled", automated.Enabled)
	return s.AddOrUpdate(automated)
}

// AddOrUpdate installs or replaces a record. Username and email, when
// present, must not be owned by a different id (case-insensitive). The
// stored record is a clone of the argument. A snapshot save failure is
// logged, not returned: the in-memory state stays authoritative.
func (s *Store) AddOrUpdate(u *user.User) error {
	if u.ID == AutomatedUserID && s.bootstrapped {
		return internal.NewImmutableRecordError("not allowed to modify the automated user")
	}

	s.mu.Lock()
	if u.Email != "" {
		if owner, ok := s.byEmail[strings.ToLower(u.Email)]; ok && owner != u.ID {
			s.mu.Unlock()
			return internal.NewUniquenessError("the provided email address is already in use by a user", internal.ErrCodeEmailTaken)
		}
	}
	if u.UserName != "" {
		if owner, ok := s.byUserName[strings.ToLower(u.UserName)]; ok && owner != u.ID {
			s.mu.Unlock()
			return internal.NewUniquenessError("the provided user name '"+u.UserName+"' is in use by a user", internal.ErrCodeUserNameTaken)
		}
	}

	record := u.Clone()
	old := s.users[record.ID]
	s.users[record.ID] = record
	if old != nil {
		s.logger.Info("replaced user information", "user_id", record.ID, "user_name", record.UserName)
		if old.Email != "" {
			delete(s.byEmail, strings.ToLower(old.Email))
		}
		if old.UserName != "" {
			delete(s.byUserName, strings.ToLower(old.UserName))
		}
	} else {
		s.logger.Info("stored new user", "user_id", record.ID, "user_name", record.UserName)
	}
	if record.Email != "" {
		s.byEmail[strings.ToLower(record.Email)] = record.ID
	}
	if record.UserName != "" {
		s.byUserName[strings.ToLower(record.UserName)] = record.ID
	}

	if err := s.save(); err != nil {
		s.logger.Error("error writing user store", "error", err)
	}
	s.mu.Unlock()

	s.tokenMu.Lock()
	if record.HasServiceToken() {
		s.serviceTokenIDs[record.ID] = struct{}{}
	} else {
		delete(s.serviceTokenIDs, record.ID)
	}
	s.tokenMu.Unlock()

	s.notifyChange(record.ID)
	return nil
}

// Remove retracts a record from the map and every index. Returns false for
// the automated account or an unknown id.
func (s *Store) Remove(id uuid.UUID) bool {
	if id == AutomatedUserID {
		return false
	}

	s.mu.Lock()
	existing, ok := s.users[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Info("remove called for unknown user", "user_id", id)
		return false
	}
	delete(s.users, id)
	if existing.UserName != "" {
		delete(s.byUserName, strings.ToLower(existing.UserName))
	}
	if existing.Email != "" {
		delete(s.byEmail, strings.ToLower(existing.Email))
	}
	if err := s.save(); err != nil {
		s.logger.Error("error writing user store", "error", err)
	}
	s.mu.Unlock()

	s.tokenMu.Lock()
	delete(s.serviceTokenIDs, id)
	s.tokenMu.Unlock()

	s.notifyChange(id)
	s.logger.Info("removed user", "user_id", id)
	return true
}

// Get returns an independent copy of the record, if present.
func (s *Store) Get(id uuid.UUID) (*user.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, false
	}
	return u.Clone(), true
}

// Find looks each candidate up against the email index first, then the
// username index, case-insensitively, and returns the first hit.
func (s *Store) Find(candidates ...string) (*user.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range candidates {
		if strings.TrimSpace(c) == "" {
			continue
		}
		key := strings.ToLower(c)
		if id, ok := s.byEmail[key]; ok {
			if u, ok := s.users[id]; ok {
				return u.Clone(), true
			}
		}
		if id, ok := s.byUserName[key]; ok {
			if u, ok := s.users[id]; ok {
				return u.Clone(), true
			}
		}
	}
	return nil, false
}

// GetByServiceToken scans the accounts that carry a service token and
// returns the first one the candidate validates against.
func (s *Store) GetByServiceToken(candidate string) (*user.User, bool) {
	s.tokenMu.RLock()
	ids := make([]uuid.UUID, 0, len(s.serviceTokenIDs))
	for id := range s.serviceTokenIDs {
		ids = append(ids, id)
	}
	s.tokenMu.RUnlock()

	for _, id := range ids {
		if u, ok := s.Get(id); ok && u.CheckServiceToken(candidate) {
			return u, true
		}
	}
	return nil, false
}

// IDs returns the ids of all currently known users.
func (s *Store) IDs() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// SystemManagers returns copies of every user holding the global
// system_manager role.
func (s *Store) SystemManagers() []*user.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*user.User
	for _, u := range s.users {
		if u.GlobalRoles().Has(role.SystemManager) {
			out = append(out, u.Clone())
		}
	}
	return out
}

// RecordAuthFailure bumps the failure counter for the id. At the lockout
// threshold the account is disabled and re-persisted.
func (s *Store) RecordAuthFailure(id uuid.UUID) {
	s.failMu.Lock()
	s.failCounts[id]++
	count := s.failCounts[id]
	s.failMu.Unlock()
	s.logger.Debug("user login fail count", "user_id", id, "count", count)

	if count >= LockoutThreshold {
		if u, ok := s.Get(id); ok {
			s.logger.Info("disabling user due to auth attempt fail count", "user_id", id, "user_name", u.UserName)
			u.Enabled = false
			if err := s.AddOrUpdate(u); err != nil {
				s.logger.Error("failed to persist lockout", "user_id", id, "error", err)
			}
		}
	}
}

// RecordAuthSuccess removes the failure counter entry for the id.
func (s *Store) RecordAuthSuccess(id uuid.UUID) {
	s.failMu.Lock()
	delete(s.failCounts, id)
	s.failMu.Unlock()
}

// OnChange registers the single listener invoked with the id after every
// successful add, update or remove. The callback runs on its own goroutine
// and never blocks the mutating call.
func (s *Store) OnChange(fn func(uuid.UUID)) {
	s.notifyMu.Lock()
	s.notify = fn
	s.notifyMu.Unlock()
}

func (s *Store) notifyChange(id uuid.UUID) {
	s.notifyMu.RLock()
	fn := s.notify
	s.notifyMu.RUnlock()
	if fn != nil {
		go fn(id)
	}
}

// Close stops the replication worker after draining pending pushes.
func (s *Store) Close() {
	if s.replicator != nil {
		close(s.pushCh)
		s.pushWG.Wait()
	}
}

func (s *Store) enqueuePush() {
	if s.replicator == nil {
		return
	}
	// a pending push already covers the latest snapshot
	select {
	case s.pushCh <- struct{}{}:
	default:
	}
}

func (s *Store) pushWorker() {
	defer s.pushWG.Done()
	for range s.pushCh {
		ctx, cancel := internal.WithTimeout(context.Background(), pushTimeout)
		if err := s.replicator.Push(ctx); err != nil {
			s.logger.Error("replication push failed", "error", err)
		} else {
			s.logger.Debug("snapshot replicated")
		}
		cancel()
	}
}
