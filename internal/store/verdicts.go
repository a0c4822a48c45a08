package store

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rawblock/botwall/pkg/models"
)

// Verdict Cache
//
// Write-through cache of the last verdict per primary signature. Serving a
// cached verdict skips the wave loop entirely, so entries carry everything
// the middleware needs to act. Two tiers: a local map, and an optional
// shared Redis tier so a fleet of gateways converges on the same verdicts.

// CachedVerdict is the stored summary of one detection.
type CachedVerdict struct {
	BotProbability   float64         `json:"botProbability"`
	Confidence       float64         `json:"confidence"`
	RiskBand         models.RiskBand `json:"riskBand"`
	PrimaryBotType   models.BotType  `json:"primaryBotType,omitempty"`
	PrimaryBotName   string          `json:"primaryBotName,omitempty"`
	PolicyName       string          `json:"policyName"`
	ActionPolicyName string          `json:"actionPolicyName"`
	StoredAt         time.Time       `json:"storedAt"`
}

// VerdictCache is what the orchestrator sees.
type VerdictCache interface {
	Get(ctx context.Context, primary string) (CachedVerdict, bool)
	Put(ctx context.Context, primary string, v CachedVerdict)
}

type verdictEntry struct {
	verdict   CachedVerdict
	expiresAt time.Time
}

// Verdicts is the in-process tier. Expiry is lazy; Sweep exists for the
// background decay loop.
type Verdicts struct {
	mu      sync.RWMutex
	entries map[string]verdictEntry
	ttl     time.Duration
	now     func() time.Time
}

// DefaultVerdictTTL keeps verdicts hot long enough to absorb bursts without
// letting a signature outlive a behaviour change.
const DefaultVerdictTTL = 5 * time.Minute

func NewVerdicts(ttl time.Duration) *Verdicts {
	if ttl <= 0 {
		ttl = DefaultVerdictTTL
	}
	return &Verdicts{
		entries: make(map[string]verdictEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *Verdicts) Get(_ context.Context, primary string) (CachedVerdict, bool) {
	c.mu.RLock()
	e, ok := c.entries[primary]
	c.mu.RUnlock()
	if !ok {
		return CachedVerdict{}, false
	}
	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, primary)
		c.mu.Unlock()
		return CachedVerdict{}, false
	}
	return e.verdict, true
}

func (c *Verdicts) Put(_ context.Context, primary string, v CachedVerdict) {
	if primary == "" {
		return
	}
	c.mu.Lock()
	c.entries[primary] = verdictEntry{verdict: v, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Sweep drops expired entries and reports how many remain.
func (c *Verdicts) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
	return len(c.entries)
}

const redisVerdictPrefix = "botwall:verdict:"

// RedisVerdicts is the shared tier. A write goes to both Redis and the
// local tier; a read checks local first. Redis failures degrade to
// local-only with a log line, never an error on the request path.
type RedisVerdicts struct {
	client *redis.Client
	local  *Verdicts
	ttl    time.Duration
}

func NewRedisVerdicts(client *redis.Client, ttl time.Duration) *RedisVerdicts {
	if ttl <= 0 {
		ttl = DefaultVerdictTTL
	}
	return &RedisVerdicts{
		client: client,
		local:  NewVerdicts(ttl),
		ttl:    ttl,
	}
}

func (c *RedisVerdicts) Get(ctx context.Context, primary string) (CachedVerdict, bool) {
	if v, ok := c.local.Get(ctx, primary); ok {
		return v, true
	}
	raw, err := c.client.Get(ctx, redisVerdictPrefix+primary).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[VerdictCache] redis get failed: %v", err)
		}
		return CachedVerdict{}, false
	}
	var v CachedVerdict
	if err := json.Unmarshal(raw, &v); err != nil {
		log.Printf("[VerdictCache] corrupt cached verdict for %s…: %v", shortSig(primary), err)
		return CachedVerdict{}, false
	}
	c.local.Put(ctx, primary, v)
	return v, true
}

func (c *RedisVerdicts) Put(ctx context.Context, primary string, v CachedVerdict) {
	if primary == "" {
		return
	}
	c.local.Put(ctx, primary, v)
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, redisVerdictPrefix+primary, raw, c.ttl).Err(); err != nil {
		log.Printf("[VerdictCache] redis set failed: %v", err)
	}
}

func shortSig(sig string) string {
	if len(sig) > 12 {
		return sig[:12]
	}
	return sig
}
