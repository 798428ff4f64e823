package classifier

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Completer runs a single-turn prompt. provider.Chain satisfies it.
type Completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
}

const scorerPrompt = `You classify messages sent to a tutoring assistant.
Decide whether the message asks about the user themselves (their own facts,
history, preferences or progress) rather than general knowledge.
Reply with JSON only: {"personal": <probability between 0 and 1>}`

// LLMScorer asks a language model for the personal-query probability.
// Successful answers are cached so repeated messages classify identically.
type LLMScorer struct {
	llm    Completer
	cache  *scoreCache
	logger *zap.Logger
}

// NewLLMScorer creates a scorer backed by llm.
func NewLLMScorer(llm Completer, logger *zap.Logger) *LLMScorer {
	return &LLMScorer{
		llm:    llm,
		cache:  newScoreCache(1024, time.Hour),
		logger: logger,
	}
}

// ScorePersonal implements IntentScorer.
func (s *LLMScorer) ScorePersonal(ctx context.Context, text string) (float64, error) {
	key := cacheKey(text, Hints{})
	if p, ok := s.cache.get(key); ok {
		return p, nil
	}

	out, err := s.llm.Complete(ctx, scorerPrompt, text, 32)
	if err != nil {
		return 0, fmt.Errorf("intent scorer: %w", err)
	}
	p, err := parseScore(out)
	if err != nil {
		return 0, err
	}
	s.cache.set(key, p)
	s.logger.Debug("intent scored", zap.Float64("personal", p))
	return p, nil
}

// parseScore extracts {"personal": x} from a reply that may carry extra prose.
func parseScore(out string) (float64, error) {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return 0, fmt.Errorf("intent scorer: no JSON object in reply %q", truncate(out, 80))
	}
	var v struct {
		Personal *float64 `json:"personal"`
	}
	if err := json.Unmarshal([]byte(out[start:end+1]), &v); err != nil {
		return 0, fmt.Errorf("intent scorer: decode reply: %w", err)
	}
	if v.Personal == nil {
		return 0, fmt.Errorf("intent scorer: reply missing personal field")
	}
	return clamp01(*v.Personal), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// scoreCache is a small LRU with TTL.
type scoreCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	ttl     time.Duration
	maxSize int
}

type scoreEntry struct {
	key       string
	value     float64
	expiresAt time.Time
}

func newScoreCache(maxSize int, ttl time.Duration) *scoreCache {
	return &scoreCache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

func (c *scoreCache) get(key string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	e := el.Value.(*scoreEntry)
	if time.Now().After(e.expiresAt) {
		c.lru.Remove(el)
		delete(c.entries, key)
		return 0, false
	}
	c.lru.MoveToFront(el)
	return e.value, true
}

func (c *scoreCache) set(key string, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*scoreEntry)
		e.value, e.expiresAt = v, time.Now().Add(c.ttl)
		c.lru.MoveToFront(el)
		return
	}
	c.entries[key] = c.lru.PushFront(&scoreEntry{key: key, value: v, expiresAt: time.Now().Add(c.ttl)})
	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*scoreEntry).key)
	}
}
