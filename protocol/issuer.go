// SPDX-License-Identifier: MIT
// Auditor - Challenge issuer
//
// Keeps the auditor side of challenge freshness:
//   - each challenge is bound to one session id
//   - consuming a challenge removes it (one-time use)
//   - challenges older than the lifetime are rejected and swept
//   - consumed nonces are remembered for a while so a replayed
//     session cannot be re-armed with an old nonce

package protocol

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/octocorvus/Auditor/metrics"
	"github.com/octocorvus/Auditor/types"
)

var ErrTooManyChallenges = errors.New("too many outstanding challenges")

type IssuerConfig struct {
	// how long a challenge remains valid
	Lifetime time.Duration

	// max outstanding challenges across all sessions
	MaxPending int

	// max consumed nonces to remember
	UsedHistory int

	Metrics *metrics.Metrics

	// defaults to time.Now
	Now func() time.Time
}

func DefaultIssuerConfig() IssuerConfig {
	return IssuerConfig{
		Lifetime:    5 * time.Minute,
		MaxPending:  1024,
		UsedHistory: 10000,
	}
}

type pendingChallenge struct {
	challenge *types.Challenge
	issuedAt  time.Time
}

type ChallengeIssuer struct {
	mu       sync.Mutex
	pending  map[string]pendingChallenge
	used     map[string]time.Time
	lifetime time.Duration
	max      int
	usedMax  int
	metrics  *metrics.Metrics
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// creates an issuer and starts its sweeper; call Close to stop it
func NewChallengeIssuer(cfg IssuerConfig) *ChallengeIssuer {
	def := DefaultIssuerConfig()
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = def.Lifetime
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.UsedHistory <= 0 {
		cfg.UsedHistory = def.UsedHistory
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ci := &ChallengeIssuer{
		pending:  make(map[string]pendingChallenge),
		used:     make(map[string]time.Time, cfg.UsedHistory),
		lifetime: cfg.Lifetime,
		max:      cfg.MaxPending,
		usedMax:  cfg.UsedHistory,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		stop:     make(chan struct{}),
	}

	go ci.cleanupLoop()

	return ci
}

func (ci *ChallengeIssuer) Close() {
	ci.stopOnce.Do(func() { close(ci.stop) })
}

// issues a fresh challenge for session
// an earlier unconsumed challenge for the same session is replaced
func (ci *ChallengeIssuer) Issue(session string) (*types.Challenge, error) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	if _, replacing := ci.pending[session]; !replacing && len(ci.pending) >= ci.max {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyChallenges, ci.max)
	}

	c, err := types.NewChallenge()
	if err != nil {
		return nil, err
	}
	if _, used := ci.used[string(c.Nonce)]; used {
		return nil, errors.New("nonce collision with used nonce - entropy failure")
	}

	now := ci.now()
	c.IssuedAt = now.UTC()
	ci.pending[session] = pendingChallenge{challenge: c, issuedAt: now}
	ci.updateGauge()
	return c, nil
}

// removes and returns the outstanding challenge for session
func (ci *ChallengeIssuer) Consume(session string) (*types.Challenge, error) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	entry, ok := ci.pending[session]
	if !ok {
		return nil, fmt.Errorf("%w: no outstanding challenge for session", types.ErrChallengeMismatch)
	}
	delete(ci.pending, session)
	ci.updateGauge()

	key := string(entry.challenge.Nonce)
	if _, used := ci.used[key]; used {
		return nil, fmt.Errorf("%w: challenge already used", types.ErrChallengeMismatch)
	}
	ci.recordUsed(key)

	if ci.now().Sub(entry.issuedAt) > ci.lifetime {
		return nil, fmt.Errorf("%w: challenge expired", types.ErrChallengeMismatch)
	}
	return entry.challenge, nil
}

func (ci *ChallengeIssuer) PendingCount() int {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return len(ci.pending)
}

func (ci *ChallengeIssuer) UsedCount() int {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return len(ci.used)
}

// bounded history, evicts the oldest when full
func (ci *ChallengeIssuer) recordUsed(key string) {
	if len(ci.used) >= ci.usedMax {
		var oldestKey string
		var oldest time.Time
		for k, t := range ci.used {
			if oldest.IsZero() || t.Before(oldest) {
				oldestKey, oldest = k, t
			}
		}
		delete(ci.used, oldestKey)
	}
	ci.used[key] = ci.now()
}

func (ci *ChallengeIssuer) updateGauge() {
	if ci.metrics != nil {
		ci.metrics.PendingChallenges.Set(float64(len(ci.pending)))
	}
}

func (ci *ChallengeIssuer) cleanupLoop() {
	ticker := time.NewTicker(ci.lifetime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ci.stop:
			return
		case <-ticker.C:
			ci.cleanup()
		}
	}
}

func (ci *ChallengeIssuer) cleanup() {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	now := ci.now()
	for session, entry := range ci.pending {
		if now.Sub(entry.issuedAt) > ci.lifetime {
			delete(ci.pending, session)
		}
	}

	// keep used nonces 3x longer than lifetime
	for key, usedAt := range ci.used {
		if now.Sub(usedAt) > 3*ci.lifetime {
			delete(ci.used, key)
		}
	}
	ci.updateGauge()
}
