// Package masking implements reversible, session-scoped PII masking.
// Detected entities are replaced with placeholder tokens before text leaves
// the trust boundary; provider responses are unmasked with the same
// session's mapping on the way back.
package masking

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"piigate/internal/kvstore"
	"piigate/internal/pii"
)

// DefaultSessionTTL bounds how long a session mapping survives in the KV
// store after its last use.
const DefaultSessionTTL = time.Hour

// DefaultRequestWindow is the minimum lifetime a mapping gets at mask
// time. It must cover one full request so the mapping cannot expire
// between a request's mask and unmask calls.
const DefaultRequestWindow = 2 * time.Minute

// tokenPattern matches placeholder tokens like <EMAIL_0> or <CREDIT_CARD_3>.
// The token carries only the entity type and a session-local ordinal.
var tokenPattern = regexp.MustCompile(`<([A-Z_]+\d+)>`)

// sessionState is the persisted per-session mapping, stored as one JSON
// value so a read-modify-write under the session lock keeps it consistent.
type sessionState struct {
	// Tokens maps token names (e.g. "EMAIL_0") to original values.
	Tokens map[string]string `json:"tokens"`
	// Counters holds the next ordinal per entity type.
	Counters map[string]int `json:"counters"`
}

func newSessionState() *sessionState {
	return &sessionState{
		Tokens:   make(map[string]string),
		Counters: make(map[string]int),
	}
}

// Store masks and unmasks text against session-scoped token mappings kept
// in a KV store.
type Store struct {
	kv            kvstore.Store
	ttl           time.Duration
	requestWindow time.Duration
	logger        *slog.Logger

	// Striped per-session locks serialize token allocation for a session.
	locks [64]sync.Mutex
}

// NewStore creates a masking store. A non-positive ttl falls back to
// DefaultSessionTTL.
func NewStore(kv kvstore.Store, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, ttl: ttl, requestWindow: DefaultRequestWindow, logger: logger}
}

// SetRequestWindow overrides the mask-time lifetime floor. Callers that
// bound requests with their own timeout should pass that timeout here.
func (s *Store) SetRequestWindow(d time.Duration) {
	if d > 0 {
		s.requestWindow = d
	}
}

// pinTTL is the lifetime written at mask time: the ambient TTL floored
// at the request window, so a short TTL cannot expire the mapping while
// its request is still in flight.
func (s *Store) pinTTL() time.Duration {
	if s.ttl > s.requestWindow {
		return s.ttl
	}
	return s.requestWindow
}

// NewSessionID generates a fresh masking session identifier.
func NewSessionID() string {
	return "session_" + uuid.NewString()
}

func sessionKey(sessionID string) string {
	return "mask:" + sessionID
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}

// Mask replaces every entity span in text with a placeholder token and
// persists the token mapping under the session. Replacement runs in
// descending start order so earlier offsets stay valid. Masking the same
// value twice in one session yields the same token.
func (s *Store) Mask(ctx context.Context, sessionID, text string, entities []pii.Entity) (string, error) {
	if len(entities) == 0 {
		return text, nil
	}
	if sessionID == "" {
		return "", fmt.Errorf("masking: empty session id")
	}

	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	state, err := s.loadState(ctx, sessionID)
	if err != nil {
		return "", err
	}

	// Reverse index for idempotent token reuse within the session.
	byValue := make(map[string]string, len(state.Tokens))
	for token, value := range state.Tokens {
		byValue[typePrefix(token)+"\x00"+value] = token
	}

	sorted := make([]pii.Entity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start > sorted[j].Start })

	masked := text
	for _, e := range sorted {
		if e.Start < 0 || e.End > len(masked) || e.Start >= e.End {
			return "", fmt.Errorf("masking: entity span [%d,%d) out of range", e.Start, e.End)
		}
		value := text[e.Start:e.End]
		typ := string(e.Type)

		token, ok := byValue[typ+"\x00"+value]
		if !ok {
			token = fmt.Sprintf("%s_%d", typ, state.Counters[typ])
			state.Counters[typ]++
			state.Tokens[token] = value
			byValue[typ+"\x00"+value] = token
		}
		masked = masked[:e.Start] + "<" + token + ">" + masked[e.End:]
	}

	if err := s.saveState(ctx, sessionID, state); err != nil {
		return "", err
	}
	return masked, nil
}

// Unmask restores original values for every known token in text. Unknown
// tokens are left untouched; the returned flag reports whether any were
// encountered so the caller can audit the inconsistency. A missing or
// expired session mapping is not an error.
func (s *Store) Unmask(ctx context.Context, sessionID, text string) (string, bool, error) {
	if sessionID == "" {
		return text, tokenPattern.MatchString(text), nil
	}

	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	data, err := s.kv.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return text, tokenPattern.MatchString(text), nil
		}
		return "", false, fmt.Errorf("masking: load session: %w", err)
	}

	var state sessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return "", false, fmt.Errorf("masking: decode session: %w", err)
	}

	unknown := false
	unmasked := tokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := match[1 : len(match)-1]
		if value, ok := state.Tokens[name]; ok {
			return value
		}
		unknown = true
		return match
	})

	// Keep the mapping alive for the rest of the exchange.
	if err := s.kv.Set(ctx, sessionKey(sessionID), data, s.ttl); err != nil {
		s.logger.Warn("masking: session ttl refresh failed", "error", err)
	}

	return unmasked, unknown, nil
}

func (s *Store) loadState(ctx context.Context, sessionID string) (*sessionState, error) {
	data, err := s.kv.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return newSessionState(), nil
		}
		return nil, fmt.Errorf("masking: load session: %w", err)
	}
	var state sessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("masking: decode session: %w", err)
	}
	if state.Tokens == nil {
		state.Tokens = make(map[string]string)
	}
	if state.Counters == nil {
		state.Counters = make(map[string]int)
	}
	return &state, nil
}

func (s *Store) saveState(ctx context.Context, sessionID string, state *sessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("masking: encode session: %w", err)
	}
	if err := s.kv.Set(ctx, sessionKey(sessionID), data, s.pinTTL()); err != nil {
		return fmt.Errorf("masking: save session: %w", err)
	}
	return nil
}

// typePrefix strips the trailing ordinal from a token name: EMAIL_0 → EMAIL.
func typePrefix(token string) string {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '_' {
			return token[:i]
		}
	}
	return token
}
