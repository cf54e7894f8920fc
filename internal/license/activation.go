package license

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"market-analysis-bot/internal/model"
)

// ActivationResult 激活结果。Reactivated 表示该用户此前已激活同一许可证
type ActivationResult struct {
	Key         model.LicenseKey
	Reactivated bool
}

// Activator binds issued keys to users and revokes keys.
type Activator struct {
	store   KeyStore
	metrics *Metrics
	log     zerolog.Logger
	Now     func() time.Time
}

func NewActivator(store KeyStore, metrics *Metrics, log zerolog.Logger) *Activator {
	return &Activator{
		store:   store,
		metrics: metrics,
		log:     log,
		Now:     time.Now,
	}
}

// Activate binds keyString to userID. Exactly one of any number of concurrent
// callers for the same issued key succeeds; the others get ErrConcurrentActivation
// or ErrKeyInUse.
func (a *Activator) Activate(ctx context.Context, keyString, userID string) (ActivationResult, error) {
	res, err := a.activate(ctx, NormalizeKey(keyString), strings.TrimSpace(userID))
	a.metrics.activation(err)

	ev := a.log.Info()
	if err != nil {
		ev = a.log.Warn().Str("code", Code(err))
	}
	ev.Str("key", MaskKey(NormalizeKey(keyString))).
		Str("user_id", userID).
		Bool("reactivated", res.Reactivated).
		Msg("license activation")
	return res, err
}

func (a *Activator) activate(ctx context.Context, keyString, userID string) (ActivationResult, error) {
	if keyString == "" {
		return ActivationResult{}, ErrInvalidKey
	}
	if userID == "" {
		return ActivationResult{}, ErrInvalidUser
	}

	key, err := a.store.Get(ctx, keyString)
	if errors.Is(err, ErrNotFound) {
		return ActivationResult{}, ErrInvalidKey
	}
	if err != nil {
		return ActivationResult{}, err
	}

	now := a.Now().UTC()
	switch key.Status {
	case model.StatusRevoked:
		return ActivationResult{}, ErrAlreadyRevoked
	case model.StatusExpired:
		return ActivationResult{}, ErrAlreadyExpired
	case model.StatusActive:
		if !key.AssignedTo(userID) {
			return ActivationResult{}, ErrKeyInUse
		}
		if key.Lapsed(now) {
			if err := expireKey(ctx, a.store, key, now); err != nil {
				return ActivationResult{}, err
			}
			return ActivationResult{}, ErrAlreadyExpired
		}
		return ActivationResult{Key: *key, Reactivated: true}, nil
	}

	// issued 超过有效期后不能再激活，状态保持不变
	if key.Lapsed(now) {
		return ActivationResult{}, ErrAlreadyExpired
	}

	current, err := a.store.FindByUser(ctx, userID)
	if err != nil {
		return ActivationResult{}, err
	}
	if current != nil {
		if !current.Lapsed(now) {
			return ActivationResult{}, ErrAlreadyAssigned
		}
		// 旧许可证已到期但还没被标记，先过期再继续
		if err := expireKey(ctx, a.store, current, now); err != nil {
			return ActivationResult{}, err
		}
	}

	next := cloneKey(*key)
	next.Status = model.StatusActive
	next.AssignedUserID = &userID
	next.ActivatedAt = &now

	err = a.store.Update(ctx, next, model.StatusIssued)
	switch {
	case errors.Is(err, ErrConflict):
		return ActivationResult{}, ErrConcurrentActivation
	case err != nil:
		return ActivationResult{}, err
	}
	return ActivationResult{Key: *next}, nil
}

// 吊销与其他状态变更冲突时重新读取的次数
const revokeAttempts = 3

// Revoke moves an issued or active key to revoked. Revoked keys stay revoked.
func (a *Activator) Revoke(ctx context.Context, keyString, reason string) (model.LicenseKey, error) {
	keyString = NormalizeKey(keyString)

	var lastErr error
	for i := 0; i < revokeAttempts; i++ {
		key, err := a.store.Get(ctx, keyString)
		if err != nil {
			return model.LicenseKey{}, err
		}
		switch key.Status {
		case model.StatusRevoked:
			return *key, ErrAlreadyRevoked
		case model.StatusExpired:
			return *key, ErrAlreadyExpired
		}

		expected := key.Status
		next := cloneKey(*key)
		now := a.Now().UTC()
		next.Status = model.StatusRevoked
		next.RevokedAt = &now
		next.RevokeReason = reason

		lastErr = a.store.Update(ctx, next, expected)
		if lastErr == nil {
			a.log.Info().Str("key", MaskKey(keyString)).Str("user_id", next.User()).Str("reason", reason).Msg("license revoked")
			return *next, nil
		}
		if !errors.Is(lastErr, ErrConflict) {
			return model.LicenseKey{}, lastErr
		}
	}
	return model.LicenseKey{}, lastErr
}

// expireKey 把已过期的 active 许可证标记为 expired。其他调用方抢先修改状态时视为成功
func expireKey(ctx context.Context, store KeyStore, key *model.LicenseKey, now time.Time) error {
	next := cloneKey(*key)
	next.Status = model.StatusExpired
	next.ExpiredAt = &now

	err := store.Update(ctx, next, model.StatusActive)
	if errors.Is(err, ErrConflict) {
		return nil
	}
	return err
}
