package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultChallengeTTL = 2 * time.Minute

var ErrChallengeNotFound = errors.New("challenge not found or expired")

type Challenge struct {
	ID        string
	Operator  string
	Nonce     []byte
	ExpiresAt time.Time
}

func (c Challenge) NonceB64() string {
	return base64.StdEncoding.EncodeToString(c.Nonce)
}

// Challenges holds outstanding login nonces. Each one can be redeemed once.
type Challenges struct {
	mu      sync.Mutex
	pending map[string]Challenge
	ttl     time.Duration
	now     func() time.Time
}

func NewChallenges(ttl time.Duration) *Challenges {
	return NewChallengesWithNow(ttl, time.Now)
}

func NewChallengesWithNow(ttl time.Duration, now func() time.Time) *Challenges {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &Challenges{pending: make(map[string]Challenge), ttl: ttl, now: now}
}

func (c *Challenges) Issue(operator string) (Challenge, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.sweepLocked(now)
	ch := Challenge{ID: uuid.NewString(), Operator: operator, Nonce: nonce, ExpiresAt: now.Add(c.ttl)}
	c.pending[ch.ID] = ch
	return ch, nil
}

// Redeem removes the challenge and returns it if it is still valid and was
// issued to operator.
func (c *Challenges) Redeem(id, operator string) (Challenge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.pending[id]
	if !ok {
		return Challenge{}, ErrChallengeNotFound
	}
	delete(c.pending, id)
	if ch.Operator != operator || c.now().After(ch.ExpiresAt) {
		return Challenge{}, ErrChallengeNotFound
	}
	return ch, nil
}

func (c *Challenges) sweepLocked(now time.Time) {
	for id, ch := range c.pending {
		if now.After(ch.ExpiresAt) {
			delete(c.pending, id)
		}
	}
}

func (c *Challenges) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
