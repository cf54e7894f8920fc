package license

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"market-analysis-bot/internal/model"
)

// keyCache 读多写少的 Get/FindByUser 结果缓存，写操作后立即失效
type keyCache struct {
	byKey  *expirable.LRU[string, model.LicenseKey]
	byUser *expirable.LRU[string, string]

	// gen 每次失效加一，读库期间发生过写入的结果不回填
	mu  sync.Mutex
	gen uint64
}

// newKeyCache returns nil when size <= 0, which disables caching.
func newKeyCache(size int, ttl time.Duration) *keyCache {
	if size <= 0 {
		return nil
	}
	return &keyCache{
		byKey:  expirable.NewLRU[string, model.LicenseKey](size, nil, ttl),
		byUser: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

func (c *keyCache) get(keyString string) (*model.LicenseKey, bool) {
	if c == nil {
		return nil, false
	}
	k, ok := c.byKey.Get(keyString)
	if !ok {
		return nil, false
	}
	return cloneKey(k), true
}

func (c *keyCache) getByUser(userID string) (*model.LicenseKey, bool) {
	if c == nil {
		return nil, false
	}
	ks, ok := c.byUser.Get(userID)
	if !ok {
		return nil, false
	}
	k, ok := c.get(ks)
	if !ok || k.Status != model.StatusActive || !k.AssignedTo(userID) {
		c.byUser.Remove(userID)
		return nil, false
	}
	return k, true
}

func (c *keyCache) generation() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// put stores k unless an invalidation happened since gen was taken.
func (c *keyCache) put(k *model.LicenseKey, gen uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.byKey.Add(k.KeyString, *cloneKey(*k))
	if k.Status == model.StatusActive && k.AssignedUserID != nil {
		c.byUser.Add(*k.AssignedUserID, k.KeyString)
	}
}

func (c *keyCache) invalidate(keyString, userID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.byKey.Remove(keyString)
	if userID != "" {
		c.byUser.Remove(userID)
	}
}

func (c *keyCache) purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.byKey.Purge()
	c.byUser.Purge()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneKey(k model.LicenseKey) *model.LicenseKey {
	out := k
	out.ValidUntil = cloneTime(k.ValidUntil)
	out.ActivatedAt = cloneTime(k.ActivatedAt)
	out.ExpiredAt = cloneTime(k.ExpiredAt)
	out.RevokedAt = cloneTime(k.RevokedAt)
	if k.AssignedUserID != nil {
		u := *k.AssignedUserID
		out.AssignedUserID = &u
	}
	return &out
}
