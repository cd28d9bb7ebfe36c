// Package postgres is the durable verification store on PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"humanscore/internal/platform/metrics"
	"humanscore/internal/verification/models"
	"humanscore/internal/verification/store/sweep"
	"humanscore/pkg/requestcontext"
)

// Store persists verifications, sessions and profiles in PostgreSQL.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Store)

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

// New wraps an open database. The schema must already be migrated.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to databaseURL, pings within timeout and applies migrations.
func Open(ctx context.Context, databaseURL string, timeout time.Duration, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := Migrate(pingCtx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, opts...), nil
}

const upsertVerification = `
INSERT INTO verifications (user_id, provider, commitment, score, max_score, status, metadata, verified_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (user_id, provider) DO UPDATE SET
    commitment  = EXCLUDED.commitment,
    score       = EXCLUDED.score,
    max_score   = EXCLUDED.max_score,
    status      = EXCLUDED.status,
    metadata    = EXCLUDED.metadata,
    verified_at = EXCLUDED.verified_at,
    expires_at  = EXCLUDED.expires_at`

func (s *Store) SaveVerification(ctx context.Context, walletID string, provider models.Provider, data models.RecordData) (*models.Record, error) {
	rec := models.NewRecord(walletID, provider, data, requestcontext.Now(ctx).UTC())
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode verification metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, upsertVerification,
		rec.WalletID, string(rec.Provider), rec.Commitment, rec.Score, rec.MaxScore,
		rec.Status, string(meta), rec.VerifiedAt, nullTime(rec.ExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("save verification: %w", err)
	}
	return rec, nil
}

const selectVerification = `
SELECT user_id, provider, commitment, score, max_score, status, metadata, verified_at, expires_at
FROM verifications`

func (s *Store) GetVerification(ctx context.Context, walletID string, provider models.Provider) (*models.Record, error) {
	row := s.db.QueryRowContext(ctx, selectVerification+`
WHERE user_id = $1 AND provider = $2 AND (expires_at IS NULL OR expires_at > $3)`,
		walletID, string(provider), requestcontext.Now(ctx))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get verification: %w", err)
	}
	return rec, nil
}

func (s *Store) GetUserVerifications(ctx context.Context, walletID string) ([]*models.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectVerification+`
WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > $2)
ORDER BY verified_at DESC, provider`,
		walletID, requestcontext.Now(ctx))
	if err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan verification: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteVerification(ctx context.Context, walletID string, provider models.Provider) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM verifications WHERE user_id = $1 AND provider = $2`, walletID, string(provider))
	if err != nil {
		return false, fmt.Errorf("delete verification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete verification: %w", err)
	}
	return n > 0, nil
}

const upsertSession = `
INSERT INTO verification_sessions (session_id, provider, user_id, status, state_data, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (session_id) DO UPDATE SET
    provider   = EXCLUDED.provider,
    user_id    = EXCLUDED.user_id,
    status     = EXCLUDED.status,
    state_data = EXCLUDED.state_data,
    expires_at = EXCLUDED.expires_at`

func (s *Store) SaveSession(ctx context.Context, session *models.Session) error {
	state, err := json.Marshal(stateOrEmpty(session.StateData))
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, upsertSession,
		session.ID, string(session.Provider), session.WalletID, string(session.Status),
		string(state), session.CreatedAt.UTC(), session.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession returns nil, nil for unknown or expired sessions.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, provider, user_id, status, state_data, created_at, expires_at
FROM verification_sessions
WHERE session_id = $1 AND expires_at > $2`, sessionID, requestcontext.Now(ctx))

	var (
		sess  models.Session
		state []byte
	)
	err := row.Scan(&sess.ID, &sess.Provider, &sess.WalletID, &sess.Status, &state, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.StateData = map[string]any{}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &sess.StateData); err != nil {
			return nil, fmt.Errorf("decode session state: %w", err)
		}
	}
	return &sess, nil
}

// UpdateSession replaces the stored session wholesale.
func (s *Store) UpdateSession(ctx context.Context, session *models.Session) error {
	return s.SaveSession(ctx, session)
}

func (s *Store) SaveProfile(ctx context.Context, profile *models.Profile) error {
	if profile == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO profiles (user_id, provider, display_name, avatar_url, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, provider) DO UPDATE SET
    display_name = EXCLUDED.display_name,
    avatar_url   = EXCLUDED.avatar_url,
    updated_at   = EXCLUDED.updated_at`,
		profile.WalletID, string(profile.Provider), profile.DisplayName, profile.AvatarURL, requestcontext.Now(ctx).UTC())
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, walletID string, provider models.Provider) (*models.Profile, error) {
	var p models.Profile
	err := s.db.QueryRowContext(ctx, `
SELECT user_id, provider, display_name, avatar_url, updated_at
FROM profiles WHERE user_id = $1 AND provider = $2`, walletID, string(provider)).
		Scan(&p.WalletID, &p.Provider, &p.DisplayName, &p.AvatarURL, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM verification_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return int(n), nil
}

// StartSweeper removes expired sessions every interval until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	go sweep.Run(ctx, interval, s.DeleteExpiredSessions, s.logger, s.metrics)
}

func (s *Store) Backend() string {
	return "postgres"
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.Record, error) {
	var (
		rec       models.Record
		meta      []byte
		expiresAt sql.NullTime
	)
	if err := row.Scan(&rec.WalletID, &rec.Provider, &rec.Commitment, &rec.Score, &rec.MaxScore,
		&rec.Status, &meta, &rec.VerifiedAt, &expiresAt); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode verification metadata: %w", err)
		}
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	return &rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func stateOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
