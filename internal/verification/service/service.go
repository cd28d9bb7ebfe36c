// Package service runs verification sessions: it starts them, completes provider
// callbacks exactly once, and exposes status and stored results.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"humanscore/internal/platform/metrics"
	"humanscore/internal/verification/events"
	"humanscore/internal/verification/lock"
	"humanscore/internal/verification/models"
	"humanscore/internal/verification/providers"
	dErrors "humanscore/pkg/domain-errors"
	"humanscore/pkg/platform/middleware/metadata"
	"humanscore/pkg/platform/sentinel"
	strutil "humanscore/pkg/platform/strings"
	"humanscore/pkg/requestcontext"
)

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store,Registry
//go:generate mockgen -source=../providers/adapter.go -destination=mocks/adapter.go -package=mocks Adapter

// Store is the persistence the service needs.
type Store interface {
	SaveSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	SaveVerification(ctx context.Context, walletID string, provider models.Provider, data models.RecordData) (*models.Record, error)
	GetUserVerifications(ctx context.Context, walletID string) ([]*models.Record, error)
	DeleteVerification(ctx context.Context, walletID string, provider models.Provider) (bool, error)
	SaveProfile(ctx context.Context, profile *models.Profile) error
}

// Registry resolves the adapter for a provider.
type Registry interface {
	Get(p models.Provider) (providers.Adapter, bool)
}

const (
	defaultLockTTL = lock.DefaultTTL

	msgNoCriteriaMet = "Account did not meet any scoring criteria"
	msgStoreFailed   = "Could not save the verification, please try again"
)

// Service orchestrates verification sessions.
type Service struct {
	store           Store
	registry        Registry
	locker          lock.Locker
	inflight        singleflight.Group
	logger          *slog.Logger
	metrics         *metrics.Metrics
	tracer          trace.Tracer
	events          events.Publisher
	sessionTTL      time.Duration
	recordTTL       time.Duration
	lockTTL         time.Duration
	persistProfiles bool
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLockTTL sets the callback lease length. The lease is renewed while a callback
// runs, so this only bounds how long a crashed holder blocks the session.
func WithLockTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// WithLocker sets the cross-instance callback lock. Defaults to an in-process lock.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithRecordTTL makes stored verifications expire; zero keeps them forever.
func WithRecordTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.recordTTL = ttl
	}
}

// WithProfilePersistence stores display profiles alongside records.
func WithProfilePersistence(enabled bool) Option {
	return func(s *Service) {
		s.persistProfiles = enabled
	}
}

// WithEvents publishes lifecycle events to p.
func WithEvents(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

func New(store Store, registry Registry, opts ...Option) *Service {
	s := &Service{
		store:      store,
		registry:   registry,
		locker:     lock.NewMemory(),
		logger:     slog.Default(),
		tracer:     otel.Tracer("humanscore/verification"),
		events:     events.Nop{},
		sessionTTL: models.DefaultSessionTTL,
		lockTTL:    defaultLockTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartResult tells the client how to continue a new session.
type StartResult struct {
	SessionID   string            `json:"sessionId"`
	Provider    models.Provider   `json:"provider"`
	Kind        models.FlowKind   `json:"kind"`
	RedirectURL string            `json:"redirectUrl,omitempty"`
	Message     string            `json:"message,omitempty"`
	Widget      *providers.Widget `json:"widget,omitempty"`
	ExpiresAt   time.Time         `json:"expiresAt"`
}

// StatusResult is the read-only view of a session.
type StatusResult struct {
	SessionID string               `json:"sessionId"`
	Provider  models.Provider      `json:"provider"`
	Status    models.SessionStatus `json:"status"`
	Result    *models.Result       `json:"result,omitempty"`
	Errors    []string             `json:"errors,omitempty"`
	ExpiresAt time.Time            `json:"expiresAt"`
}

func (s *Service) adapter(p models.Provider) (providers.Adapter, error) {
	a, ok := s.registry.Get(p)
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeBadRequest, "unsupported provider %q", p)
	}
	return a, nil
}

// Start opens a pending session for walletID.
func (s *Service) Start(ctx context.Context, provider models.Provider, walletID string) (*StartResult, error) {
	walletID = strings.TrimSpace(walletID)
	if walletID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "walletId is required")
	}
	a, err := s.adapter(provider)
	if err != nil {
		return nil, err
	}
	if err := a.Configured(); err != nil {
		s.logger.WarnContext(ctx, "provider not configured", "provider", provider, "error", err)
		return nil, err
	}

	session := models.NewSession(provider, walletID, requestcontext.Now(ctx), s.sessionTTL)
	req, err := a.BuildAuthorizationRequest(ctx, session)
	if err != nil {
		return nil, providers.ToDomain(err)
	}
	for k, v := range req.StateData {
		session.SetState(k, v)
	}
	if err := s.store.SaveSession(ctx, session); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create session")
	}

	s.metrics.IncSessionStarted(string(provider))
	s.events.Publish(ctx, events.Event{
		Type:      events.TypeSessionStarted,
		SessionID: session.ID,
		Provider:  provider,
		WalletID:  walletID,
		Status:    session.Status,
	})
	client := metadata.FromContext(ctx)
	s.logger.InfoContext(ctx, "verification session started",
		"provider", provider, "session_id", session.ID, "expires_at", session.ExpiresAt,
		"client_ip", client.IP, "user_agent", client.UserAgent)

	return &StartResult{
		SessionID:   session.ID,
		Provider:    provider,
		Kind:        provider.Kind(),
		RedirectURL: req.RedirectURL,
		Message:     req.Message,
		Widget:      req.Widget,
		ExpiresAt:   session.ExpiresAt,
	}, nil
}

// CompleteCallback verifies proof for the session and moves it to its terminal state.
// Repeated or concurrent callbacks for one session resolve to the same outcome and
// never reach the adapter twice.
func (s *Service) CompleteCallback(ctx context.Context, provider models.Provider, sessionID string, proof models.Proof) (*models.Outcome, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "state is missing")
	}
	// Completion is detached from caller cancellation; upstream timeouts still bound it.
	detached := context.WithoutCancel(ctx)
	v, err, _ := s.inflight.Do(sessionID, func() (any, error) {
		return s.complete(detached, provider, sessionID, proof)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Outcome), nil
}

func (s *Service) loadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}
	if session == nil {
		return nil, dErrors.New(dErrors.CodeSessionNotFound, "session not found or expired")
	}
	return session, nil
}

func (s *Service) complete(ctx context.Context, provider models.Provider, sessionID string, proof models.Proof) (*models.Outcome, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Provider != provider {
		return nil, dErrors.Newf(dErrors.CodeBadRequest, "session belongs to %s, not %s", session.Provider, provider)
	}
	if session.IsTerminal() {
		return storedOutcome(session)
	}

	lease, err := s.locker.TryLock(ctx, sessionID, s.lockTTL)
	switch {
	case errors.Is(err, lock.ErrHeld):
		// Another instance is completing it; report its result if it has landed.
		session, err := s.loadSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if session.IsTerminal() {
			return storedOutcome(session)
		}
		return nil, dErrors.New(dErrors.CodeConflict, "verification already in progress")
	case err != nil:
		s.logger.WarnContext(ctx, "callback lock unavailable, continuing unlocked", "session_id", sessionID, "error", err)
	default:
		stop := lock.Keep(ctx, s.locker, lease, s.lockTTL, func(err error) {
			s.logger.WarnContext(ctx, "callback lock lost", "session_id", sessionID, "error", err)
		})
		defer func() {
			stop()
			if err := s.locker.Unlock(ctx, lease); err != nil {
				s.logger.WarnContext(ctx, "release callback lock", "session_id", sessionID, "error", err)
			}
		}()
		// Re-read under the lock: a previous holder may have finished in between.
		if session, err = s.loadSession(ctx, sessionID); err != nil {
			return nil, err
		}
		if session.IsTerminal() {
			return storedOutcome(session)
		}
	}

	a, err := s.adapter(provider)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, a, session, proof)
}

func (s *Service) finish(ctx context.Context, a providers.Adapter, session *models.Session, proof models.Proof) (*models.Outcome, error) {
	started := time.Now()
	provider := session.Provider
	ctx, span := s.tracer.Start(ctx, "verification.complete", trace.WithAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("session_id", session.ID),
	))
	defer span.End()
	log := s.logger.With("provider", provider, "session_id", session.ID)

	outcome, err := s.verify(ctx, a, session, proof)
	saved := false
	switch {
	case err != nil:
		stage := failureStage(err)
		s.metrics.IncStageFailure(string(provider), string(stage))
		span.RecordError(err)
		retryable := providers.IsRetryable(err)
		log.WarnContext(ctx, "verification failed", "stage", stage, "retryable", retryable, "error", err)
		outcome = failed(failureMessage(err, retryable))
	case !outcome.Valid:
		s.metrics.IncStageFailure(string(provider), string(providers.StageValidatingEligibility))
		log.InfoContext(ctx, "account ineligible", "reasons", outcome.Errors)
		outcome = failed(outcome.Errors...)
	case outcome.Result == nil || outcome.Result.Score <= 0:
		s.metrics.IncStageFailure(string(provider), string(providers.StageScoring))
		log.InfoContext(ctx, "account scored zero")
		outcome = failed(msgNoCriteriaMet)
	default:
		if err := s.persist(ctx, session, outcome); err != nil {
			s.metrics.IncStageFailure(string(provider), string(providers.StageCommitting))
			span.RecordError(err)
			log.ErrorContext(ctx, "store verification", "error", err)
			outcome = failed(msgStoreFailed)
		} else {
			saved = true
		}
	}

	if err := session.Complete(outcome); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "session already completed")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to complete session")
	}
	if err := s.store.UpdateSession(ctx, session); err != nil {
		span.SetStatus(codes.Error, "update session")
		if saved {
			// The session stays pending, so the record it would report must not survive.
			if _, derr := s.store.DeleteVerification(ctx, session.WalletID, provider); derr != nil {
				log.ErrorContext(ctx, "roll back verification record", "error", derr)
			}
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update session")
	}

	s.events.Publish(ctx, completedEvent(session, outcome))
	label := string(session.Status)
	s.metrics.ObserveCompletion(string(provider), label, time.Since(started))
	span.SetAttributes(attribute.String("outcome", label))
	if !outcome.Valid {
		span.SetStatus(codes.Error, "verification failed")
	}
	log.InfoContext(ctx, "verification session completed", "status", session.Status)
	return outcome, nil
}

// verify calls the adapter, turning a panic into an error.
func (s *Service) verify(ctx context.Context, a providers.Adapter, session *models.Session, proof models.Proof) (out *models.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "adapter panicked",
				"provider", session.Provider, "session_id", session.ID, "panic", r, "stack", string(debug.Stack()))
			out, err = nil, fmt.Errorf("adapter panic: %v", r)
		}
	}()
	out, err = a.Verify(ctx, session, proof)
	if err == nil && out == nil {
		err = errors.New("adapter returned no outcome")
	}
	return out, err
}

func (s *Service) persist(ctx context.Context, session *models.Session, outcome *models.Outcome) error {
	now := requestcontext.Now(ctx)
	r := outcome.Result
	data := models.RecordData{
		Score:    r.Score,
		MaxScore: r.MaxScore,
		Criteria: r.Criteria,
	}
	if r.Commitment != nil {
		data.Commitment = *r.Commitment
	}
	if s.recordTTL > 0 {
		exp := now.Add(s.recordTTL)
		data.ExpiresAt = &exp
	}
	if _, err := s.store.SaveVerification(ctx, session.WalletID, session.Provider, data); err != nil {
		return err
	}

	if s.persistProfiles && outcome.Profile != nil {
		p := *outcome.Profile
		p.WalletID = session.WalletID
		p.Provider = session.Provider
		p.UpdatedAt = now
		if err := s.store.SaveProfile(ctx, &p); err != nil {
			s.logger.WarnContext(ctx, "save profile", "provider", session.Provider, "error", err)
		}
	}
	return nil
}

func completedEvent(session *models.Session, outcome *models.Outcome) events.Event {
	e := events.Event{
		Type:      events.TypeSessionCompleted,
		SessionID: session.ID,
		Provider:  session.Provider,
		WalletID:  session.WalletID,
		Status:    session.Status,
		Errors:    outcome.Errors,
	}
	if r := outcome.Result; r != nil {
		e.Score, e.MaxScore = r.Score, r.MaxScore
		if r.Commitment != nil {
			e.Commitment = *r.Commitment
		}
	}
	return e
}

// failureMessage is the user-facing reason for an adapter error. Transient upstream
// failures tell the user that starting over later can succeed.
func failureMessage(err error, retryable bool) string {
	msg := dErrors.MessageOf(providers.ToDomain(err))
	if retryable && !strings.Contains(msg, "try again") {
		msg += ", please try again later"
	}
	return msg
}

func failed(reasons ...string) *models.Outcome {
	reasons = strutil.DedupeAndTrim(reasons)
	if len(reasons) == 0 {
		reasons = []string{"verification failed"}
	}
	return &models.Outcome{Valid: false, Errors: reasons}
}

func storedOutcome(session *models.Session) (*models.Outcome, error) {
	out, err := session.Outcome()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read session result")
	}
	return out, nil
}

// failureStage labels where an adapter error happened.
func failureStage(err error) providers.Stage {
	var pe *providers.ProviderError
	if errors.As(err, &pe) && pe.Stage != "" {
		return pe.Stage
	}
	switch dErrors.CodeOf(err) {
	case dErrors.CodeConfiguration:
		return providers.StageCommitting
	case dErrors.CodeBadRequest, dErrors.CodeSignatureMismatch:
		return providers.StageValidatingEligibility
	default:
		return providers.StageFetchingProfile
	}
}

// Status reports a session without changing it.
func (s *Service) Status(ctx context.Context, sessionID string) (*StatusResult, error) {
	session, err := s.loadSession(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return nil, err
	}
	res := &StatusResult{
		SessionID: session.ID,
		Provider:  session.Provider,
		Status:    session.Status,
		ExpiresAt: session.ExpiresAt,
	}
	if session.IsTerminal() {
		out, err := storedOutcome(session)
		if err != nil {
			return nil, err
		}
		res.Result = out.Result
		res.Errors = out.Errors
	}
	return res, nil
}

// Verifications lists the stored results for walletID, newest first.
func (s *Service) Verifications(ctx context.Context, walletID string) ([]models.Result, error) {
	walletID = strings.TrimSpace(walletID)
	if walletID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "walletId is required")
	}
	records, err := s.store.GetUserVerifications(ctx, walletID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list verifications")
	}
	out := make([]models.Result, 0, len(records))
	for _, r := range records {
		out = append(out, r.Result())
	}
	return out, nil
}

// DeleteVerification removes the stored result for (walletID, provider).
func (s *Service) DeleteVerification(ctx context.Context, walletID string, provider models.Provider) error {
	deleted, err := s.store.DeleteVerification(ctx, strings.TrimSpace(walletID), provider)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete verification")
	}
	if !deleted {
		return dErrors.New(dErrors.CodeNotFound, "verification not found")
	}
	s.events.Publish(ctx, events.Event{
		Type:     events.TypeVerificationDeleted,
		Provider: provider,
		WalletID: strings.TrimSpace(walletID),
	})
	s.logger.InfoContext(ctx, "verification deleted", "provider", provider)
	return nil
}
