// Package memory is the process-local verification store. State lives in maps guarded
// by one RWMutex and is optionally mirrored to a JSON snapshot file so a restart of a
// single-node deployment keeps its sessions and records.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"humanscore/internal/platform/metrics"
	"humanscore/internal/verification/models"
	"humanscore/internal/verification/store/sweep"
	"humanscore/pkg/requestcontext"
)

// Store keeps verifications, sessions and profiles in memory.
type Store struct {
	mu            sync.RWMutex
	verifications map[string]*models.Record
	sessions      map[string]*models.Session
	profiles      map[string]*models.Profile

	snapshotPath string
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

type Option func(*Store)

// WithSnapshot mirrors every mutation to path and reloads it on construction.
func WithSnapshot(path string) Option {
	return func(s *Store) {
		s.snapshotPath = path
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// New creates a store, loading the snapshot when one is configured and present.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		verifications: make(map[string]*models.Record),
		sessions:      make(map[string]*models.Session),
		profiles:      make(map[string]*models.Profile),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.snapshotPath != "" {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
	}
	return s, nil
}

func recordKey(walletID string, provider models.Provider) string {
	return walletID + ":" + string(provider)
}

func (s *Store) SaveVerification(ctx context.Context, walletID string, provider models.Provider, data models.RecordData) (*models.Record, error) {
	rec := models.NewRecord(walletID, provider, data, requestcontext.Now(ctx))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifications[recordKey(walletID, provider)] = cloneRecord(rec)
	s.persistLocked(ctx)
	return rec, nil
}

// GetVerification returns nil, nil when no live record exists.
func (s *Store) GetVerification(ctx context.Context, walletID string, provider models.Provider) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.verifications[recordKey(walletID, provider)]
	if !ok || rec.IsExpired(requestcontext.Now(ctx)) {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

// GetUserVerifications lists live records for walletID, newest first.
func (s *Store) GetUserVerifications(ctx context.Context, walletID string) ([]*models.Record, error) {
	now := requestcontext.Now(ctx)
	s.mu.RLock()
	out := make([]*models.Record, 0)
	for _, rec := range s.verifications {
		if rec.WalletID == walletID && !rec.IsExpired(now) {
			out = append(out, cloneRecord(rec))
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].VerifiedAt.Equal(out[j].VerifiedAt) {
			return out[i].Provider < out[j].Provider
		}
		return out[i].VerifiedAt.After(out[j].VerifiedAt)
	})
	return out, nil
}

func (s *Store) DeleteVerification(ctx context.Context, walletID string, provider models.Provider) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(walletID, provider)
	if _, ok := s.verifications[key]; !ok {
		return false, nil
	}
	delete(s.verifications, key)
	s.persistLocked(ctx)
	return true, nil
}

func (s *Store) SaveSession(ctx context.Context, session *models.Session) error {
	c, err := session.Clone()
	if err != nil {
		return fmt.Errorf("copy session: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[c.ID] = c
	s.persistLocked(ctx)
	return nil
}

// GetSession returns nil, nil for unknown or expired sessions. Expired sessions are
// removed on read.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	now := requestcontext.Now(ctx)

	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	expired := ok && sess.IsExpired(now)
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if expired {
		s.mu.Lock()
		if cur, still := s.sessions[sessionID]; still && cur.IsExpired(now) {
			delete(s.sessions, sessionID)
			s.persistLocked(ctx)
		}
		s.mu.Unlock()
		return nil, nil
	}
	return sess.Clone()
}

// UpdateSession replaces the stored session wholesale.
func (s *Store) UpdateSession(ctx context.Context, session *models.Session) error {
	return s.SaveSession(ctx, session)
}

func (s *Store) SaveProfile(ctx context.Context, profile *models.Profile) error {
	if profile == nil {
		return nil
	}
	p := *profile
	p.UpdatedAt = requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[recordKey(p.WalletID, p.Provider)] = &p
	s.persistLocked(ctx)
	return nil
}

// GetProfile returns nil, nil when no profile is stored.
func (s *Store) GetProfile(_ context.Context, walletID string, provider models.Provider) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[recordKey(walletID, provider)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// DeleteExpiredSessions removes every session expired at now.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.IsExpired(now) {
			delete(s.sessions, id)
			n++
		}
	}
	if n > 0 {
		s.persistLocked(ctx)
	}
	return n, nil
}

// StartSweeper removes expired sessions every interval until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	go sweep.Run(ctx, interval, s.DeleteExpiredSessions, s.logger, s.metrics)
}

func (s *Store) Backend() string {
	return "memory"
}

func (s *Store) Ping(context.Context) error {
	return nil
}

// Close flushes the snapshot one last time.
func (s *Store) Close() error {
	if s.snapshotPath == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeSnapshotLocked()
}

func cloneRecord(r *models.Record) *models.Record {
	c := *r
	c.Metadata.Criteria = append([]models.Criterion(nil), r.Metadata.Criteria...)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}
