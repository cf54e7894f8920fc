package license

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-analysis-bot/internal/model"
)

func TestActivate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := issueKey(t, env, model.TierStandard)

	res, err := env.engine.Activator.Activate(ctx, "  "+key.KeyString+" ", "1001")
	require.NoError(t, err)
	assert.False(t, res.Reactivated)
	assert.Equal(t, model.StatusActive, res.Key.Status)
	assert.Equal(t, "1001", res.Key.User())
	require.NotNil(t, res.Key.ActivatedAt)
	assert.True(t, res.Key.ActivatedAt.Equal(env.clock.Now()))

	// 同一用户重复激活是幂等的
	res, err = env.engine.Activator.Activate(ctx, key.KeyString, "1001")
	require.NoError(t, err)
	assert.True(t, res.Reactivated)

	_, err = env.engine.Activator.Activate(ctx, key.KeyString, "2002")
	assert.ErrorIs(t, err, ErrKeyInUse)
}

func TestActivateErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Activator.Activate(ctx, "", "1001")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = env.engine.Activator.Activate(ctx, "TRL-DOES-NOT-EXIST", "1001")
	assert.ErrorIs(t, err, ErrInvalidKey)

	key := issueKey(t, env, model.TierTrial)
	_, err = env.engine.Activator.Activate(ctx, key.KeyString, " ")
	assert.ErrorIs(t, err, ErrInvalidUser)

	revoked := issueKey(t, env, model.TierTrial)
	_, err = env.engine.Activator.Revoke(ctx, revoked.KeyString, "leaked")
	require.NoError(t, err)
	_, err = env.engine.Activator.Activate(ctx, revoked.KeyString, "1001")
	assert.ErrorIs(t, err, ErrAlreadyRevoked)
}

func TestActivateSecondKeyForUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := issueKey(t, env, model.TierTrial)
	second := issueKey(t, env, model.TierPremium)

	_, err := env.engine.Activator.Activate(ctx, first.KeyString, "1001")
	require.NoError(t, err)

	_, err = env.engine.Activator.Activate(ctx, second.KeyString, "1001")
	assert.ErrorIs(t, err, ErrAlreadyAssigned)

	got, err := env.store.Get(ctx, second.KeyString)
	require.NoError(t, err)
	assert.Equal(t, model.StatusIssued, got.Status, "rejected key stays issued")
}

func TestActivateAfterPreviousKeyLapsed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	trial := issueKey(t, env, model.TierTrial)
	_, err := env.engine.Activator.Activate(ctx, trial.KeyString, "1001")
	require.NoError(t, err)

	env.clock.Advance(2 * 24 * time.Hour)
	standard := issueKey(t, env, model.TierStandard)
	env.clock.Advance(2 * 24 * time.Hour)

	res, err := env.engine.Activator.Activate(ctx, standard.KeyString, "1001")
	require.NoError(t, err)
	assert.Equal(t, model.TierStandard, res.Key.Tier)

	old, err := env.store.Get(ctx, trial.KeyString)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, old.Status)
	assert.Equal(t, "1001", old.User())
}

func TestActivateLapsedKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	issued := issueKey(t, env, model.TierTrial)
	active := issueKey(t, env, model.TierTrial)
	_, err := env.engine.Activator.Activate(ctx, active.KeyString, "1001")
	require.NoError(t, err)

	env.clock.Advance(3*24*time.Hour + time.Second)

	_, err = env.engine.Activator.Activate(ctx, issued.KeyString, "2002")
	assert.ErrorIs(t, err, ErrAlreadyExpired)
	got, err := env.store.Get(ctx, issued.KeyString)
	require.NoError(t, err)
	assert.Equal(t, model.StatusIssued, got.Status, "issued keys cannot move to expired")

	_, err = env.engine.Activator.Activate(ctx, active.KeyString, "1001")
	assert.ErrorIs(t, err, ErrAlreadyExpired)
	got, err = env.store.Get(ctx, active.KeyString)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
}

// 多个用户同时激活同一个许可证，只能有一个成功
func TestActivateConcurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := issueKey(t, env, model.TierPremium)

	const callers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []string
		failures = make(map[string]int)
		start    = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			<-start
			_, err := env.engine.Activator.Activate(ctx, key.KeyString, user)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, user)
				return
			}
			failures[Code(err)]++
		}(fmt.Sprintf("user-%d", i))
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	for code := range failures {
		assert.Contains(t, []string{"CONCURRENT_ACTIVATION", "KEY_IN_USE"}, code)
	}

	got, err := env.store.Get(ctx, key.KeyString)
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.User())

	assert.Equal(t, float64(1), testutil.ToFloat64(env.engine.Metrics.Activations.WithLabelValues("ok")))
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := issueKey(t, env, model.TierStandard)

	_, err := env.engine.Activator.Activate(ctx, key.KeyString, "1001")
	require.NoError(t, err)

	revoked, err := env.engine.Activator.Revoke(ctx, key.KeyString, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRevoked, revoked.Status)
	assert.Equal(t, "chargeback", revoked.RevokeReason)
	assert.Equal(t, "1001", revoked.User(), "assignment is kept for audit")

	_, err = env.engine.Activator.Revoke(ctx, key.KeyString, "again")
	assert.ErrorIs(t, err, ErrAlreadyRevoked)

	_, err = env.engine.Activator.Revoke(ctx, "STD-MISSING", "")
	assert.ErrorIs(t, err, ErrNotFound)

	current, err := env.store.FindByUser(ctx, "1001")
	require.NoError(t, err)
	assert.Nil(t, current)
}
