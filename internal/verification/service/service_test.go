package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"humanscore/internal/verification/events"
	"humanscore/internal/verification/lock"
	"humanscore/internal/verification/models"
	"humanscore/internal/verification/providers"
	"humanscore/internal/verification/service/mocks"
	"humanscore/internal/verification/store/memory"
	dErrors "humanscore/pkg/domain-errors"
)

type ServiceSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	store    *mocks.MockStore
	registry *mocks.MockRegistry
	adapter  *mocks.MockAdapter
	svc      *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = mocks.NewMockStore(s.ctrl)
	s.registry = mocks.NewMockRegistry(s.ctrl)
	s.adapter = mocks.NewMockAdapter(s.ctrl)
	s.registry.EXPECT().Get(models.ProviderDiscord).Return(s.adapter, true).AnyTimes()
	s.registry.EXPECT().Get(gomock.Any()).Return(nil, false).AnyTimes()
	s.svc = New(s.store, s.registry)
}

func pending() *models.Session {
	return models.NewSession(models.ProviderDiscord, "aleo1wallet", time.Now(), time.Minute)
}

func scored(score float64) *models.Outcome {
	commitment := "42field"
	return &models.Outcome{
		Valid: true,
		Result: &models.Result{
			Provider: models.ProviderDiscord,
			Score:    score,
			MaxScore: 7,
			Criteria: []models.Criterion{
				{Condition: "account_age", Points: 3, Achieved: true},
				{Condition: "nitro", Points: 1, Achieved: score > 4},
				{Condition: "guilds", Points: 1.8, Achieved: true},
				{Condition: "verified_email", Points: 1, Achieved: true},
			},
			Commitment: &commitment,
		},
		Profile: &models.Profile{DisplayName: "someone"},
	}
}

func (s *ServiceSuite) TestStart() {
	ctx := context.Background()

	s.Run("rejects empty wallet", func() {
		_, err := s.svc.Start(ctx, models.ProviderDiscord, "  ")
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	s.Run("rejects unsupported provider", func() {
		_, err := s.svc.Start(ctx, models.Provider("myspace"), "aleo1wallet")
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	s.Run("unconfigured provider creates no session", func() {
		s.adapter.EXPECT().Configured().Return(providers.ErrNotConfigured("discord", "DISCORD_CLIENT_ID"))
		_, err := s.svc.Start(ctx, models.ProviderDiscord, "aleo1wallet")
		s.True(dErrors.HasCode(err, dErrors.CodeConfiguration))
	})

	s.Run("stores pending session with adapter state", func() {
		s.adapter.EXPECT().Configured().Return(nil)
		s.adapter.EXPECT().BuildAuthorizationRequest(gomock.Any(), gomock.Any()).Return(&providers.AuthorizationRequest{
			RedirectURL: "https://discord.com/oauth2/authorize?state=x",
			StateData:   map[string]any{models.StateKeyCodeVerifier: "verifier"},
		}, nil)
		var saved *models.Session
		s.store.EXPECT().SaveSession(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, sess *models.Session) error {
			saved = sess
			return nil
		})

		res, err := s.svc.Start(ctx, models.ProviderDiscord, " aleo1wallet ")
		s.Require().NoError(err)
		s.Require().NotNil(saved)
		s.Equal(saved.ID, res.SessionID)
		s.Equal("aleo1wallet", saved.WalletID)
		s.Equal(models.SessionStatusPending, saved.Status)
		s.Equal("verifier", saved.StringState(models.StateKeyCodeVerifier))
		s.Equal(models.FlowRedirect, res.Kind)
		s.NotEmpty(res.RedirectURL)
	})

	s.Run("store failure is internal", func() {
		s.adapter.EXPECT().Configured().Return(nil)
		s.adapter.EXPECT().BuildAuthorizationRequest(gomock.Any(), gomock.Any()).Return(&providers.AuthorizationRequest{}, nil)
		s.store.EXPECT().SaveSession(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))
		_, err := s.svc.Start(ctx, models.ProviderDiscord, "aleo1wallet")
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})
}

func (s *ServiceSuite) TestCompleteUnknownSession() {
	s.store.EXPECT().GetSession(gomock.Any(), "discord_missing").Return(nil, nil)
	_, err := s.svc.CompleteCallback(context.Background(), models.ProviderDiscord, "discord_missing", models.Proof{})
	s.True(dErrors.HasCode(err, dErrors.CodeSessionNotFound))
}

func (s *ServiceSuite) TestCompleteEmptyState() {
	_, err := s.svc.CompleteCallback(context.Background(), models.ProviderDiscord, "", models.Proof{})
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func (s *ServiceSuite) TestCompleteProviderMismatch() {
	sess := pending()
	s.store.EXPECT().GetSession(gomock.Any(), sess.ID).Return(sess, nil)
	_, err := s.svc.CompleteCallback(context.Background(), models.ProviderGitHub, sess.ID, models.Proof{})
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func (s *ServiceSuite) TestCompleteTerminalSessionSkipsAdapter() {
	sess := pending()
	s.Require().NoError(sess.Complete(scored(5.8)))
	s.store.EXPECT().GetSession(gomock.Any(), sess.ID).Return(sess, nil).Times(2)

	for i := 0; i < 2; i++ {
		out, err := s.svc.CompleteCallback(context.Background(), models.ProviderDiscord, sess.ID, models.Proof{Code: "replayed"})
		s.Require().NoError(err)
		s.True(out.Valid)
		s.Equal(5.8, out.Result.Score)
	}
}

func (s *ServiceSuite) expectPending(sess *models.Session) {
	s.store.EXPECT().GetSession(gomock.Any(), sess.ID).Return(sess, nil).Times(2)
}

func (s *ServiceSuite) expectTerminal(status models.SessionStatus) {
	s.store.EXPECT().UpdateSession(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, sess *models.Session) error {
		s.Equal(status, sess.Status)
		return nil
	})
}

func (s *ServiceSuite) TestCompleteSuccess() {
	sess := pending()
	s.expectPending(sess)
	s.adapter.EXPECT().Verify(gomock.Any(), sess, models.Proof{Code: "abc"}).Return(scored(6.8), nil)
	s.store.EXPECT().SaveVerification(gomock.Any(), "aleo1wallet", models.ProviderDiscord, gomock.Any()).
		DoAndReturn(func(_ context.Context, walletID string, p models.Provider, data models.RecordData) (*models.Record, error) {
			s.Equal(6.8, data.Score)
			s.Equal("42field", data.Commitment)
			s.Len(data.Criteria, 4)
			s.Nil(data.ExpiresAt)
			return models.NewRecord(walletID, p, data, time.Now()), nil
		})
	s.expectTerminal(models.SessionStatusVerified)

	out, err := s.svc.CompleteCallback(context.Background(), models.ProviderDiscord, sess.ID, models.Proof{Code: "abc"})
	s.Require().NoError(err)
	s.True(out.Valid)
	s.Equal(6.8, out.Result.Score)
	s.Len(out.Result.Criteria, 4)
}

func (s *ServiceSuite) TestCompleteSavesProfileWhenEnabled() {
	svc := New(s.store, s.registry, WithProfilePersistence(true), WithRecordTTL(24*time.Hour))
	sess := pending()
	s.expectPending(sess)
	s.adapter.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).Return(scored(6.8), nil)
	s.store.EXPECT().SaveVerification(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, walletID string, p models.Provider, data models.RecordData) (*models.Record, error) {
			s.NotNil(data.ExpiresAt)
			return models.NewRecord(walletID, p, data, time.Now()), nil
		})
	s.store.EXPECT().SaveProfile(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, p *models.Profile) error {
		s.Equal("aleo1wallet", p.WalletID)
		s.Equal(models.ProviderDiscord, p.Provider)
		s.Equal("someone", p.DisplayName)
		return errors.New("profile table missing")
	})
	s.expectTerminal(models.SessionStatusVerified)

	out, err := svc.CompleteCallback(context.Background(), models.ProviderDiscord, sess.ID, models.Proof{})
	s.Require().NoError(err)
	s.True(out.Valid, "profile failures do not fail the verification")
}

func (s *ServiceSuite) TestCompleteZeroScore() {
	sess := pending()
	s.expectPending(sess)
	s.adapter.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).Return(scored(0), nil)
	s.expectTerminal(models.SessionStatusFailed)

	out, err := s.svc.CompleteCallback(context.Background(), models.ProviderDiscord, sess.ID, models.Proof{})
	s.Require().NoError(err)
	s.False(out.Valid)
	s.Equal([]string{msgNoCriteriaMet}, out.Errors)
	s.Nil(out.Result)
}

func (s *ServiceSuite) TestCompleteIneligible() {
	sess := pending()
	s.expectPending(sess)
	s.adapter.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).Return(&models.Outcome{
		Errors: []string{"Discord account must be at least 30 days old", "Discord account must have a verified email"},
	}, nil)
	s.expectTerminal(models.SessionStatusFailed)

	out, err := s.svc.CompleteCallback(context.Background(), models.ProviderDiscord, sess.ID, models.Proof{})
	s.Require().NoError(err)
	s.False(out.Valid)
	s.Len(out.Errors, 2)
}

func (s *ServiceSuite) TestCompleteAdapterErrors() {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"rate limited", providers.NewProviderError(providers.ErrorRateLimited, "discord", providers.StageFetchingProfile, "Discord is rate limiting requests, please try again later", nil), "Discord is rate limiting requests, please try again later"},
		{"outage", providers.NewProviderError(providers.ErrorProviderOutage, "discord", providers.StageFetchingProfile, "discord is unavailable", nil), "discord is unavailable, please try again later"},
		{"timeout", providers.Classify("discord", providers.StageExchangingToken, context.DeadlineExceeded), "discord did not respond in time, please try again later"},
		{"rejected authorization", providers.NewProviderError(providers.ErrorAuthentication, "discord", providers.StageExchangingToken, "discord rejected the authorization", nil), "discord rejected the authorization"},
		{"domain error", dErrors.New(dErrors.CodeSignatureMismatch, "signature does not match address"), "signature does not match address"},
		{"unexpected", errors.New("boom"), "verification failed"},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			sess := pending()
			s.expectPending(sess)
			s.adapter.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, tc.err)
			s.expectTerminal(models.SessionStatusFailed)

			out, err := s.svc.CompleteCallback(context.Background(), models.ProviderDiscord, sess.ID, models.Proof{})
			s.Require().NoError(err)
			s.False(out.Valid)
			s.Equal([]string{tc.want}, out.Errors)
		})
	}
}

func (s *ServiceSuite) TestCompleteAdapterPanic() {
	sess := pending()
	s.expectPending(sess)
	s.adapter.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, *models.Session, models.Proof) (*models.Outcome, error) {
			var m map[string]int
			m["boom"]++
			return nil, nil
		})
	s.expectTerminal(models.SessionStatusFailed)

	out, err := s.svc.CompleteCallback(context.Background(), models.ProviderDiscord, sess.ID, models.Proof{})
	s.Require().NoError(err)
	s.Equal([]string{"verification failed"}, out.Errors)
}

func (s *ServiceSuite) TestCompleteStoreFailure() {
	sess := pending()
	s.expectPending(sess)
	s.adapter.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).Return(scored(3), nil)
	s.store.EXPECT().SaveVerification(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("connection reset"))
	s.expectTerminal(models.SessionStatusFailed)

	out, err := s.svc.CompleteCallback(context.Background(), models.ProviderDiscord, sess.ID, models.Proof{})
	s.Require().NoError(err)
	s.Equal([]string{msgStoreFailed}, out.Errors)
}

func (s *ServiceSuite) TestCompleteSessionWriteFailureRollsBackRecord() {
	sess := pending()
	s.expectPending(sess)
	s.adapter.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).Return(scored(6.8), nil)
	gomock.InOrder(
		s.store.EXPECT().SaveVerification(gomock.Any(), "aleo1wallet", models.ProviderDiscord, gomock.Any()).Return(&models.Record{}, nil),
		s.store.EXPECT().UpdateSession(gomock.Any(), gomock.Any()).Return(errors.New("connection reset")),
		s.store.EXPECT().DeleteVerification(gomock.Any(), "aleo1wallet", models.ProviderDiscord).Return(true, nil),
	)

	_, err := s.svc.CompleteCallback(context.Background(), models.ProviderDiscord, sess.ID, models.Proof{})
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

func (s *ServiceSuite) TestCompleteSessionWriteFailureAfterIneligibleKeepsRecords() {
	sess := pending()
	s.expectPending(sess)
	s.adapter.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).Return(&models.Outcome{Errors: []string{"too young"}}, nil)
	s.store.EXPECT().UpdateSession(gomock.Any(), gomock.Any()).Return(errors.New("connection reset"))

	_, err := s.svc.CompleteCallback(context.Background(), models.ProviderDiscord, sess.ID, models.Proof{})
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

func (s *ServiceSuite) TestCompleteKeepsLeaseWhileVerifying() {
	locker := lock.NewMemory()
	svc := New(s.store, s.registry, WithLocker(locker), WithLockTTL(45*time.Millisecond))
	sess := pending()
	s.expectPending(sess)
	s.adapter.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, *models.Session, models.Proof) (*models.Outcome, error) {
			time.Sleep(150 * time.Millisecond)
			_, err := locker.TryLock(context.Background(), sess.ID, time.Minute)
			s.ErrorIs(err, lock.ErrHeld, "lease renewed past its ttl")
			return scored(6.8), nil
		})
	s.store.EXPECT().SaveVerification(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(&models.Record{}, nil)
	s.expectTerminal(models.SessionStatusVerified)

	_, err := svc.CompleteCallback(context.Background(), models.ProviderDiscord, sess.ID, models.Proof{})
	s.Require().NoError(err)

	_, err = locker.TryLock(context.Background(), sess.ID, time.Minute)
	s.NoError(err, "released after completion")
}

func (s *ServiceSuite) TestCompleteLockHeldElsewhere() {
	locker := lock.NewMemory()
	svc := New(s.store, s.registry, WithLocker(locker))
	sess := pending()
	_, err := locker.TryLock(context.Background(), sess.ID, time.Minute)
	s.Require().NoError(err)
	s.expectPending(sess)

	_, err = svc.CompleteCallback(context.Background(), models.ProviderDiscord, sess.ID, models.Proof{})
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *ServiceSuite) TestStatus() {
	sess := pending()
	s.store.EXPECT().GetSession(gomock.Any(), sess.ID).Return(sess, nil)
	res, err := s.svc.Status(context.Background(), sess.ID)
	s.Require().NoError(err)
	s.Equal(models.SessionStatusPending, res.Status)
	s.Nil(res.Result)

	done := pending()
	s.Require().NoError(done.Complete(&models.Outcome{Errors: []string{"nope"}}))
	s.store.EXPECT().GetSession(gomock.Any(), done.ID).Return(done, nil)
	res, err = s.svc.Status(context.Background(), done.ID)
	s.Require().NoError(err)
	s.Equal(models.SessionStatusFailed, res.Status)
	s.Equal([]string{"nope"}, res.Errors)
}

func (s *ServiceSuite) TestVerificationsAndDelete() {
	ctx := context.Background()
	rec := models.NewRecord("aleo1wallet", models.ProviderGitHub, models.RecordData{Commitment: "7field", Score: 12, MaxScore: 20}, time.Now())
	s.store.EXPECT().GetUserVerifications(gomock.Any(), "aleo1wallet").Return([]*models.Record{rec}, nil)

	got, err := s.svc.Verifications(ctx, "aleo1wallet")
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("7field", *got[0].Commitment)

	_, err = s.svc.Verifications(ctx, "")
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))

	s.store.EXPECT().DeleteVerification(gomock.Any(), "aleo1wallet", models.ProviderGitHub).Return(true, nil)
	s.NoError(s.svc.DeleteVerification(ctx, "aleo1wallet", models.ProviderGitHub))

	s.store.EXPECT().DeleteVerification(gomock.Any(), "aleo1wallet", models.ProviderGitHub).Return(false, nil)
	err = s.svc.DeleteVerification(ctx, "aleo1wallet", models.ProviderGitHub)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (s *ServiceSuite) TestLifecycleEvents() {
	ctx := context.Background()
	pub := &recordingPublisher{}
	svc := New(s.store, s.registry, WithEvents(pub))

	s.adapter.EXPECT().Configured().Return(nil)
	s.adapter.EXPECT().BuildAuthorizationRequest(gomock.Any(), gomock.Any()).Return(&providers.AuthorizationRequest{}, nil)
	s.store.EXPECT().SaveSession(gomock.Any(), gomock.Any()).Return(nil)
	started, err := svc.Start(ctx, models.ProviderDiscord, "aleo1wallet")
	s.Require().NoError(err)

	sess := pending()
	s.expectPending(sess)
	s.adapter.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).Return(scored(6.8), nil)
	s.store.EXPECT().SaveVerification(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(&models.Record{}, nil)
	s.expectTerminal(models.SessionStatusVerified)
	_, err = svc.CompleteCallback(ctx, models.ProviderDiscord, sess.ID, models.Proof{})
	s.Require().NoError(err)

	s.store.EXPECT().DeleteVerification(gomock.Any(), "aleo1wallet", models.ProviderDiscord).Return(true, nil)
	s.Require().NoError(svc.DeleteVerification(ctx, "aleo1wallet", models.ProviderDiscord))

	s.Require().Len(pub.events, 3)
	s.Equal(events.TypeSessionStarted, pub.events[0].Type)
	s.Equal(started.SessionID, pub.events[0].SessionID)

	done := pub.events[1]
	s.Equal(events.TypeSessionCompleted, done.Type)
	s.Equal(models.SessionStatusVerified, done.Status)
	s.Equal(6.8, done.Score)
	s.Equal("42field", done.Commitment)

	s.Equal(events.TypeVerificationDeleted, pub.events[2].Type)
	s.Equal("aleo1wallet", pub.events[2].WalletID)
}

// Concurrent callbacks against a real store reach the adapter once and agree.
func TestConcurrentCallbacksVerifyOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	st, err := memory.New()
	require.NoError(t, err)

	adapter := mocks.NewMockAdapter(ctrl)
	adapter.EXPECT().Provider().Return(models.ProviderDiscord).AnyTimes()
	var calls atomic.Int32
	adapter.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, *models.Session, models.Proof) (*models.Outcome, error) {
			calls.Add(1)
			time.Sleep(50 * time.Millisecond)
			return scored(6.8), nil
		}).AnyTimes()
	registry, err := providers.NewRegistry(adapter)
	require.NoError(t, err)

	svc := New(st, registry)
	sess := pending()
	require.NoError(t, st.SaveSession(context.Background(), sess))

	var wg sync.WaitGroup
	outcomes := make([]*models.Outcome, 16)
	errs := make([]error, 16)
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], errs[i] = svc.CompleteCallback(context.Background(), models.ProviderDiscord, sess.ID, models.Proof{Code: "abc"})
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for i := range outcomes {
		require.NoError(t, errs[i])
		assert.True(t, outcomes[i].Valid)
		assert.Equal(t, 6.8, outcomes[i].Result.Score)
	}

	records, err := st.GetUserVerifications(context.Background(), "aleo1wallet")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
