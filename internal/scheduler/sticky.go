package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

const stickyShardCount = 16

// SessionKeyKind tells the dispatcher where to find the sticky identifier
type SessionKeyKind string

const (
	SessionKeyHeader     SessionKeyKind = "header"
	SessionKeyQueryParam SessionKeyKind = "query_param"
	SessionKeyBodyField  SessionKeyKind = "body_field"
)

// SessionKeySource is the configured location of the session identifier.
// For body fields, Name is a dotted JSON path (e.g. "metadata.session_id").
type SessionKeySource struct {
	Kind SessionKeyKind `mapstructure:"kind" json:"kind"`
	Name string         `mapstructure:"name" json:"name"`
}

// StickyConfig holds sticky-session scheduling configuration
type StickyConfig struct {
	Enabled             bool             `mapstructure:"enabled" json:"enabled"`
	TTL                 time.Duration    `mapstructure:"ttl" json:"ttl"`
	Source              SessionKeySource `mapstructure:"session_key" json:"session_key"`
	FallbackOnUnhealthy bool             `mapstructure:"fallback_on_unhealthy" json:"fallback_on_unhealthy"`
	MaxBindings         int              `mapstructure:"max_bindings" json:"max_bindings"`
}

// DefaultStickyConfig returns the default sticky-session configuration
func DefaultStickyConfig() StickyConfig {
	return StickyConfig{
		Enabled:             true,
		TTL:                 1 * time.Hour,
		Source:              SessionKeySource{Kind: SessionKeyHeader, Name: "x-session-id"},
		FallbackOnUnhealthy: true,
		MaxBindings:         4096,
	}
}

// ExtractSessionID resolves the sticky identifier for a request per the
// configured source. When the configured source yields nothing, it falls back
// to a hash of metadata.user_id so SDKs that send one still stick.
func ExtractSessionID(src SessionKeySource, req *http.Request, body []byte) string {
	var raw string
	switch src.Kind {
	case SessionKeyHeader:
		raw = req.Header.Get(src.Name)
	case SessionKeyQueryParam:
		raw = req.URL.Query().Get(src.Name)
	case SessionKeyBodyField:
		raw = gjson.GetBytes(body, src.Name).String()
	}
	raw = strings.TrimSpace(raw)
	if raw != "" {
		return raw
	}

	if userID := strings.TrimSpace(gjson.GetBytes(body, "metadata.user_id").String()); userID != "" {
		sum := sha256.Sum256([]byte("user:" + userID))
		return hex.EncodeToString(sum[:16])
	}
	return ""
}

// binding associates a session with the account chosen for it
type binding struct {
	accountID string
	boundAt   time.Time
	lastHitAt time.Time
}

type stickyShard struct {
	mu       sync.RWMutex
	bindings map[string]*binding
}

// stickyMap is a sharded session → account map. Lookups on one shard never
// block writers on another.
type stickyMap struct {
	shards [stickyShardCount]*stickyShard
}

func newStickyMap() *stickyMap {
	m := &stickyMap{}
	for i := range m.shards {
		m.shards[i] = &stickyShard{bindings: make(map[string]*binding)}
	}
	return m
}

func (m *stickyMap) shard(sessionID string) *stickyShard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return m.shards[h.Sum32()%stickyShardCount]
}

// Lookup returns the bound account for a live binding
func (m *stickyMap) Lookup(sessionID string, ttl time.Duration) (string, bool) {
	s := m.shard(sessionID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bindings[sessionID]
	if !ok {
		return "", false
	}
	if ttl > 0 && time.Since(b.lastHitAt) > ttl {
		return "", false
	}
	return b.accountID, true
}

// Bind creates or replaces the binding for a session. When the shard is at
// capacity the least recently hit binding is evicted first.
func (m *stickyMap) Bind(sessionID, accountID string, maxBindings int) {
	s := m.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	perShard := maxBindings / stickyShardCount
	if perShard < 1 {
		perShard = 1
	}
	if _, exists := s.bindings[sessionID]; !exists && len(s.bindings) >= perShard {
		var oldestKey string
		var oldest time.Time
		for k, b := range s.bindings {
			if oldestKey == "" || b.lastHitAt.Before(oldest) {
				oldestKey, oldest = k, b.lastHitAt
			}
		}
		delete(s.bindings, oldestKey)
	}

	now := time.Now()
	s.bindings[sessionID] = &binding{accountID: accountID, boundAt: now, lastHitAt: now}

	log.Debug().
		Str("session_id", truncateID(sessionID)).
		Str("account_id", accountID).
		Msg("bound sticky session")
}

// Touch refreshes a binding's activity timestamp
func (m *stickyMap) Touch(sessionID string) {
	s := m.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.bindings[sessionID]; ok {
		b.lastHitAt = time.Now()
	}
}

// Delete removes one binding
func (m *stickyMap) Delete(sessionID string) {
	s := m.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, sessionID)
}

// ClearAll drops every binding
func (m *stickyMap) ClearAll() {
	for _, s := range m.shards {
		s.mu.Lock()
		s.bindings = make(map[string]*binding)
		s.mu.Unlock()
	}
}

// EvictExpired removes bindings idle past the TTL and returns the count
func (m *stickyMap) EvictExpired(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, b := range s.bindings {
			if now.Sub(b.lastHitAt) > ttl {
				delete(s.bindings, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the total number of live bindings
func (m *stickyMap) Len() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.bindings)
		s.mu.RUnlock()
	}
	return total
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
