// Package trust maintains per-agent reputation scores, derives trust tiers and
// issues signed trust tokens. Scores live in a TTL-bounded cache in front of
// the durable store; every mutation is appended to an immutable activity log.
package trust

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dcap-x-project/dcap-commerce/logger"
	"github.com/dcap-x-project/dcap-commerce/storage"
	"github.com/dcap-x-project/dcap-commerce/types"
)

// TrustLevel is a coarse reputation band derived from the numeric score
type TrustLevel string

// Trust tiers
const (
	Untrusted     TrustLevel = "untrusted"      // 0-49
	Neutral       TrustLevel = "neutral"        // 50-74
	Trusted       TrustLevel = "trusted"        // 75-89
	HighlyTrusted TrustLevel = "highly_trusted" // 90-100
)

// LevelFromScore maps a score to its trust tier
func LevelFromScore(score int) TrustLevel {
	switch {
	case score < 50:
		return Untrusted
	case score < 75:
		return Neutral
	case score < 90:
		return Trusted
	default:
		return HighlyTrusted
	}
}

// Activity types recorded in the trust log
const (
	ActivitySuccessfulTransaction = "successful_transaction"
	ActivityFailedTransaction     = "failed_transaction"
	ActivityQuoteExpired          = "quote_expired"
	ActivityNegotiationRejected   = "negotiation_rejected"
	ActivitySystemAdjustment      = "system_adjustment"
)

// Reputation deltas applied by the settlement hooks
const (
	successBonus   = 5
	failurePenalty = -3
)

// ReputationScore is an agent's current trust standing
type ReputationScore struct {
	AgentID                types.AgentID `json:"agent_id"`
	Score                  int           `json:"score"`
	SuccessfulTransactions int           `json:"successful_transactions"`
	FailedTransactions     int           `json:"failed_transactions"`
	TotalNegotiations      int           `json:"total_negotiations"`
	AverageResponseMs      int64         `json:"average_response_time_ms"`
	LastUpdated            time.Time     `json:"last_updated"`
	TrustLevel             TrustLevel    `json:"trust_level"`
}

// Config configures the trust engine
type Config struct {
	TokenSecret string        // HMAC secret for trust tokens
	CacheTTL    time.Duration // reputation cache entry lifetime

	// MinReputation is the default gate for reputation checks. Zero selects
	// the default of 50; a negative value disables the gate.
	MinReputation int
}

const (
	defaultCacheTTL      = 30 * time.Minute
	defaultMinReputation = 50
)

type cacheEntry struct {
	score       ReputationScore
	refreshedAt time.Time
}

// Engine is the trust/reputation engine. Reads for different agents run
// concurrently; read-modify-write updates for the same agent serialize on a
// per-agent lock so no delta is lost.
type Engine struct {
	cfg   Config
	store storage.Store
	log   *logger.Logger

	mu    sync.RWMutex
	cache map[types.AgentID]*cacheEntry
	locks map[types.AgentID]*sync.Mutex
}

// NewEngine creates a trust engine backed by the given store
func NewEngine(cfg Config, store storage.Store) *Engine {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.MinReputation == 0 {
		cfg.MinReputation = defaultMinReputation
	} else if cfg.MinReputation < 0 {
		cfg.MinReputation = 0
	}
	return &Engine{
		cfg:   cfg,
		store: store,
		log:   logger.New().WithComponent("trust"),
		cache: make(map[types.AgentID]*cacheEntry),
		locks: make(map[types.AgentID]*sync.Mutex),
	}
}

// agentLock returns the serialization lock for one agent, creating it on
// first use
func (e *Engine) agentLock(agentID types.AgentID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[agentID] = l
	}
	return l
}

// Score returns the agent's current reputation score. Cache entries older
// than the TTL count as a miss and refresh from the store; unknown agents
// score 0.
func (e *Engine) Score(ctx context.Context, agentID types.AgentID) (int, error) {
	e.mu.RLock()
	entry, ok := e.cache[agentID]
	e.mu.RUnlock()
	if ok && time.Since(entry.refreshedAt) < e.cfg.CacheTTL {
		return entry.score.Score, nil
	}

	lock := e.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()
	score, err := e.refreshLocked(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return score.Score, nil
}

// refreshLocked loads the agent's reputation from the store into the cache.
// Caller holds the agent lock.
func (e *Engine) refreshLocked(ctx context.Context, agentID types.AgentID) (*ReputationScore, error) {
	rec, err := e.store.GetReputation(ctx, agentID)
	if err != nil {
		if types.IsNotFound(err) {
			// New agents start at 0 unless seeded by an operator
			rec = &storage.ReputationRecord{AgentID: agentID}
		} else {
			return nil, err
		}
	}
	score := ReputationScore{
		AgentID:                agentID,
		Score:                  rec.Score,
		SuccessfulTransactions: rec.SuccessfulTransactions,
		FailedTransactions:     rec.FailedTransactions,
		TotalNegotiations:      rec.TotalNegotiations,
		AverageResponseMs:      rec.AverageResponseMs,
		LastUpdated:            time.Unix(rec.LastUpdatedUnix, 0),
		TrustLevel:             LevelFromScore(rec.Score),
	}
	e.mu.Lock()
	e.cache[agentID] = &cacheEntry{score: score, refreshedAt: time.Now()}
	e.mu.Unlock()
	return &score, nil
}

// UpdateScore applies a signed delta to the agent's score, clamped to
// [0,100], writes the result through to the store and appends an activity
// entry. Updates for the same agent serialize; different agents don't block.
func (e *Engine) UpdateScore(ctx context.Context, agentID types.AgentID, delta int, reason string) error {
	return e.update(ctx, agentID, delta, ActivitySystemAdjustment, reason, nil)
}

func (e *Engine) update(ctx context.Context, agentID types.AgentID, delta int, activityType, reason string, relatedID *types.AgentID) error {
	lock := e.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	current, err := e.refreshLocked(ctx, agentID)
	if err != nil {
		return err
	}

	newScore := clamp(current.Score+delta, 0, 100)
	now := time.Now()

	updated := *current
	updated.Score = newScore
	updated.LastUpdated = now
	updated.TrustLevel = LevelFromScore(newScore)
	switch activityType {
	case ActivitySuccessfulTransaction:
		updated.SuccessfulTransactions++
	case ActivityFailedTransaction:
		updated.FailedTransactions++
	}

	rec := &storage.ReputationRecord{
		AgentID:                agentID,
		Score:                  updated.Score,
		SuccessfulTransactions: updated.SuccessfulTransactions,
		FailedTransactions:     updated.FailedTransactions,
		TotalNegotiations:      updated.TotalNegotiations,
		AverageResponseMs:      updated.AverageResponseMs,
		LastUpdatedUnix:        now.Unix(),
	}
	if err := e.store.SaveReputation(ctx, rec); err != nil {
		return err
	}

	e.mu.Lock()
	e.cache[agentID] = &cacheEntry{score: updated, refreshedAt: now}
	e.mu.Unlock()

	act := &storage.ActivityRecord{
		ID:             uuid.New(),
		AgentID:        agentID,
		ActivityType:   activityType,
		ScoreChange:    delta,
		Reason:         reason,
		RelatedAgentID: relatedID,
		TimestampUnix:  now.Unix(),
	}
	if err := e.store.AppendActivity(ctx, act); err != nil {
		return err
	}

	e.log.Infof("agent %s %s (%+d points): %s", agentID, activityType, delta, reason)
	return nil
}

// Info returns the agent's full reputation standing
func (e *Engine) Info(ctx context.Context, agentID types.AgentID) (*ReputationScore, error) {
	lock := e.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()
	return e.refreshLocked(ctx, agentID)
}

// Tier returns the agent's trust tier
func (e *Engine) Tier(ctx context.Context, agentID types.AgentID) (TrustLevel, error) {
	score, err := e.Score(ctx, agentID)
	if err != nil {
		return "", err
	}
	return LevelFromScore(score), nil
}

// DynamicThreshold returns the requirement multiplier for the agent's tier.
// Stricter for low trust, looser for high trust.
func (e *Engine) DynamicThreshold(ctx context.Context, agentID types.AgentID) (float64, error) {
	tier, err := e.Tier(ctx, agentID)
	if err != nil {
		return 0, err
	}
	switch tier {
	case Untrusted:
		return 1.5, nil
	case Neutral:
		return 1.2, nil
	case Trusted:
		return 1.0, nil
	default:
		return 0.8, nil
	}
}

// CheckMinReputation reports whether the agent meets the given score gate
func (e *Engine) CheckMinReputation(ctx context.Context, agentID types.AgentID, minScore int) (bool, error) {
	score, err := e.Score(ctx, agentID)
	if err != nil {
		return false, err
	}
	return score >= minScore, nil
}

// MinReputation returns the engine's configured default gate
func (e *Engine) MinReputation() int {
	return e.cfg.MinReputation
}

// RecordSuccessfulTransaction grants both parties the settlement bonus
func (e *Engine) RecordSuccessfulTransaction(ctx context.Context, buyerID, sellerID types.AgentID) error {
	if err := e.update(ctx, buyerID, successBonus, ActivitySuccessfulTransaction, "successful transaction completed", &sellerID); err != nil {
		return err
	}
	return e.update(ctx, sellerID, successBonus, ActivitySuccessfulTransaction, "successful transaction completed", &buyerID)
}

// RecordFailedTransaction applies the settlement penalty to both parties
func (e *Engine) RecordFailedTransaction(ctx context.Context, buyerID, sellerID types.AgentID) error {
	if err := e.update(ctx, buyerID, failurePenalty, ActivityFailedTransaction, "transaction failed", &sellerID); err != nil {
		return err
	}
	return e.update(ctx, sellerID, failurePenalty, ActivityFailedTransaction, "transaction failed", &buyerID)
}

// History returns the agent's immutable trust-activity log
func (e *Engine) History(ctx context.Context, agentID types.AgentID) ([]storage.ActivityRecord, error) {
	return e.store.ListActivities(ctx, agentID)
}

// Purge drops cache entries older than twice the TTL to bound cache growth.
// Each candidate is checked under its agent lock so an entry mid-update is
// never removed.
func (e *Engine) Purge() int {
	e.mu.RLock()
	candidates := make([]types.AgentID, 0, len(e.cache))
	for id, entry := range e.cache {
		if time.Since(entry.refreshedAt) >= 2*e.cfg.CacheTTL {
			candidates = append(candidates, id)
		}
	}
	e.mu.RUnlock()

	purged := 0
	for _, id := range candidates {
		lock := e.agentLock(id)
		lock.Lock()
		e.mu.Lock()
		if entry, ok := e.cache[id]; ok && time.Since(entry.refreshedAt) >= 2*e.cfg.CacheTTL {
			delete(e.cache, id)
			purged++
		}
		e.mu.Unlock()
		lock.Unlock()
	}
	if purged > 0 {
		e.log.Infof("purged %d stale reputation cache entries", purged)
	}
	return purged
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
