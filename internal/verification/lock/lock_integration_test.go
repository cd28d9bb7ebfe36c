//go:build integration

package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"humanscore/internal/verification/lock"
	"humanscore/pkg/testutil/containers"
)

type RedisLockSuite struct {
	suite.Suite
	redis  *containers.RedisContainer
	locker *lock.Redis
}

func TestRedisLockSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisLockSuite))
}

func (s *RedisLockSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.locker = lock.NewRedis(s.redis.Client.Client)
}

func (s *RedisLockSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisLockSuite) TestExclusive() {
	ctx := context.Background()
	lease, err := s.locker.TryLock(ctx, "evm_1", time.Minute)
	s.Require().NoError(err)

	_, err = s.locker.TryLock(ctx, "evm_1", time.Minute)
	s.ErrorIs(err, lock.ErrHeld)

	s.Require().NoError(s.locker.Unlock(ctx, lease))
	_, err = s.locker.TryLock(ctx, "evm_1", time.Minute)
	s.NoError(err)
}

func (s *RedisLockSuite) TestForeignTokenDoesNotRelease() {
	ctx := context.Background()
	_, err := s.locker.TryLock(ctx, "evm_2", time.Minute)
	s.Require().NoError(err)

	s.Require().NoError(s.locker.Unlock(ctx, &lock.Lease{Key: "evm_2", Token: "someone-else"}))
	_, err = s.locker.TryLock(ctx, "evm_2", time.Minute)
	s.ErrorIs(err, lock.ErrHeld)
}

func (s *RedisLockSuite) TestExpires() {
	ctx := context.Background()
	_, err := s.locker.TryLock(ctx, "evm_3", 100*time.Millisecond)
	s.Require().NoError(err)

	s.Eventually(func() bool {
		_, err := s.locker.TryLock(ctx, "evm_3", time.Minute)
		return err == nil
	}, 2*time.Second, 50*time.Millisecond)
}

func (s *RedisLockSuite) TestExtend() {
	ctx := context.Background()
	lease, err := s.locker.TryLock(ctx, "evm_4", 300*time.Millisecond)
	s.Require().NoError(err)
	s.Require().NoError(s.locker.Extend(ctx, lease, time.Minute))

	time.Sleep(500 * time.Millisecond)
	_, err = s.locker.TryLock(ctx, "evm_4", time.Minute)
	s.ErrorIs(err, lock.ErrHeld, "extended lease outlives its first ttl")

	s.ErrorIs(s.locker.Extend(ctx, &lock.Lease{Key: "evm_4", Token: "someone-else"}, time.Minute), lock.ErrLost)
}
