package license

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-analysis-bot/internal/model"
)

// Reason 拒绝原因
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonNoLicense          Reason = "no_license"
	ReasonExpired            Reason = "expired"
	ReasonQuotaExceeded      Reason = "quota_exceeded"
	ReasonFeatureUnavailable Reason = "feature_unavailable"
	ReasonStorageUnavailable Reason = "storage_unavailable"
)

var reasonErrors = map[Reason]error{
	ReasonNoLicense:          ErrNoLicense,
	ReasonExpired:            ErrExpired,
	ReasonQuotaExceeded:      ErrQuotaExceeded,
	ReasonFeatureUnavailable: ErrFeatureUnavailable,
	ReasonStorageUnavailable: ErrStorageUnavailable,
}

// Decision is the outcome of an entitlement check. Quota is 0 and Remaining is
// -1 for tiers without a daily limit.
type Decision struct {
	Allowed    bool       `json:"allowed"`
	Reason     Reason     `json:"reason,omitempty"`
	UserID     string     `json:"user_id"`
	Feature    string     `json:"feature"`
	Tier       model.Tier `json:"tier,omitempty"`
	KeyString  string     `json:"-"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	Used       int64      `json:"used"`
	Quota      int64      `json:"quota"`
	Remaining  int64      `json:"remaining"`
}

// Err returns the sentinel error matching a denial, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return reasonErrors[d.Reason]
}

func (d Decision) deny(reason Reason) Decision {
	d.Allowed = false
	d.Reason = reason
	return d
}

// Guard decides whether a user may use a feature right now. Denials are
// ordinary results; only an unreachable store produces an error.
type Guard struct {
	store   KeyStore
	usage   UsageTracker
	policy  Policy
	metrics *Metrics
	log     zerolog.Logger
	gates   userGates
	Now     func() time.Time
}

func NewGuard(store KeyStore, usage UsageTracker, policy Policy, metrics *Metrics, log zerolog.Logger) *Guard {
	return &Guard{
		store:   store,
		usage:   usage,
		policy:  policy,
		metrics: metrics,
		log:     log,
		gates:   userGates{m: make(map[string]*userGate)},
		Now:     time.Now,
	}
}

// Check evaluates the user's entitlement without charging quota. A key whose
// validity window has ended is moved to expired as part of the check.
func (g *Guard) Check(ctx context.Context, userID, feature string) (Decision, error) {
	d, err := g.check(ctx, userID, feature, 0)
	g.metrics.decision(d)
	return d, err
}

func (g *Guard) check(ctx context.Context, userID, feature string, pending int64) (Decision, error) {
	d := Decision{UserID: userID, Feature: feature, Remaining: -1}
	if userID == "" {
		return d.deny(ReasonNoLicense), nil
	}

	key, err := g.store.FindByUser(ctx, userID)
	if err != nil {
		return d.deny(ReasonStorageUnavailable), err
	}
	if key == nil {
		return g.inactive(ctx, d)
	}

	d.Tier = key.Tier
	d.KeyString = key.KeyString
	d.ValidUntil = key.ValidUntil

	now := g.Now().UTC()
	if key.Lapsed(now) {
		if err := expireKey(ctx, g.store, key, now); err != nil {
			return d.deny(ReasonStorageUnavailable), err
		}
		g.log.Info().Str("key", MaskKey(key.KeyString)).Str("user_id", userID).Msg("license expired on access")
		return d.deny(ReasonExpired), nil
	}

	tp, ok := g.policy.For(key.Tier)
	if !ok {
		g.log.Error().Str("tier", string(key.Tier)).Msg("license tier missing from policy")
		return d.deny(ReasonFeatureUnavailable), nil
	}
	if feature != "" && !tp.Includes(feature) {
		return d.deny(ReasonFeatureUnavailable), nil
	}
	if tp.Unlimited() {
		d.Allowed = true
		return d, nil
	}

	used, err := g.usage.CurrentCount(ctx, userID)
	if err != nil {
		return d.deny(ReasonStorageUnavailable), err
	}
	d.Used = used + pending
	d.Quota = tp.DailyQuota
	d.Remaining = d.Quota - d.Used
	if d.Remaining <= 0 {
		d.Remaining = 0
		return d.deny(ReasonQuotaExceeded), nil
	}
	d.Allowed = true
	return d, nil
}

// inactive 用户没有 active 许可证：最近一个已过期时报告 expired，否则 no_license
func (g *Guard) inactive(ctx context.Context, d Decision) (Decision, error) {
	last, err := g.store.LatestByUser(ctx, d.UserID)
	if err != nil {
		return d.deny(ReasonStorageUnavailable), err
	}
	if last == nil || last.Status != model.StatusExpired {
		return d.deny(ReasonNoLicense), nil
	}
	d.Tier = last.Tier
	d.ValidUntil = last.ValidUntil
	return d.deny(ReasonExpired), nil
}

// Run checks entitlement, calls fn when allowed and charges one request only if
// fn succeeds and ctx is still live. Concurrent calls for the same user reserve
// quota so the daily limit is never overshot.
func (g *Guard) Run(ctx context.Context, userID, feature string, fn func(context.Context) error) (Decision, error) {
	gate := g.gates.acquire(userID)
	d, err := g.check(ctx, userID, feature, gate.pending)
	g.metrics.decision(d)
	if err != nil || !d.Allowed {
		gate.mu.Unlock()
		g.gates.release(userID, gate)
		if err != nil {
			return d, err
		}
		return d, d.Err()
	}
	gate.pending++
	gate.mu.Unlock()

	defer func() {
		gate.mu.Lock()
		gate.pending--
		gate.mu.Unlock()
		g.gates.release(userID, gate)
	}()

	if err := fn(ctx); err != nil {
		return d, err
	}
	if err := ctx.Err(); err != nil {
		return d, err
	}

	// 结果已交付，计费失败只记录日志
	if err := g.usage.RecordUsage(ctx, userID, feature); err != nil {
		g.log.Error().Err(err).Str("user_id", userID).Str("feature", feature).Msg("failed to record usage")
		return d, nil
	}
	g.metrics.charged(feature)

	d.Used++
	if d.Quota > 0 {
		d.Remaining = d.Quota - d.Used
	}
	return d, nil
}

// userGates 按用户串行化配额检查，不同用户互不阻塞
type userGates struct {
	mu sync.Mutex
	m  map[string]*userGate
}

type userGate struct {
	mu      sync.Mutex
	refs    int
	pending int64
}

// acquire returns the user's gate locked. The caller must unlock it and call
// release exactly once.
func (u *userGates) acquire(userID string) *userGate {
	u.mu.Lock()
	gate, ok := u.m[userID]
	if !ok {
		gate = &userGate{}
		u.m[userID] = gate
	}
	gate.refs++
	u.mu.Unlock()

	gate.mu.Lock()
	return gate
}

func (u *userGates) release(userID string, gate *userGate) {
	u.mu.Lock()
	defer u.mu.Unlock()
	gate.refs--
	if gate.refs == 0 {
		delete(u.m, userID)
	}
}
