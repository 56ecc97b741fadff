package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// One-time link codes. After the oauth callback the token response is parked
// under a short code the user relays to the bridge bot; redeeming the code
// consumes it.

const (
	codeLength = 6
	// CodeTTL bounds how long an unredeemed link code stays valid.
	CodeTTL = 10 * time.Minute

	codeAlphabet = "abcdefghijklmnopqrstuvwxyz234567"
)

var (
	ErrCodeExists   = errors.New("link code already in use")
	ErrCodeNotFound = errors.New("link code invalid or expired")
)

// LinkData is the token payload parked behind a link code.
type LinkData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresOn    int64  `json:"expires_on"`
	NotBefore    int64  `json:"not_before"`
	Scope        string `json:"scope"`
}

// TokenResponse converts redeemed link data back into the token endpoint's
// response shape, ready for Authorize.
func (d LinkData) TokenResponse() TokenResponse {
	return TokenResponse{
		AccessToken:  d.AccessToken,
		RefreshToken: d.RefreshToken,
		ExpiresOn:    epochSecond(d.ExpiresOn),
		NotBefore:    epochSecond(d.NotBefore),
		Scope:        d.Scope,
	}
}

// LinkDataFromResponse parks a token response behind a link code.
func LinkDataFromResponse(resp TokenResponse) LinkData {
	return LinkData{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresOn:    int64(resp.ExpiresOn),
		NotBefore:    int64(resp.NotBefore),
		Scope:        resp.Scope,
	}
}

// CodeStore is an insert-once/take-once mapping of link codes to token
// payloads. Put fails on collision instead of overwriting; Take removes the
// entry so a code can never be redeemed twice.
type CodeStore interface {
	Put(ctx context.Context, code string, data LinkData, ttl time.Duration) error
	Take(ctx context.Context, code string) (LinkData, error)
}

// GenerateCode returns a 6 character lowercase code.
func GenerateCode() string {
	id := uuid.New()
	code := make([]byte, codeLength)
	for i := range code {
		code[i] = codeAlphabet[int(id[i])%len(codeAlphabet)]
	}
	return string(code)
}

// RedisCodeStore keeps link codes in redis with a TTL.
type RedisCodeStore struct {
	client redis.UniversalClient
	prefix string
}

var _ CodeStore = (*RedisCodeStore)(nil)

func NewRedisCodeStore(client redis.UniversalClient) *RedisCodeStore {
	return &RedisCodeStore{client: client, prefix: "msteams:linkcode:"}
}

func (s *RedisCodeStore) Put(ctx context.Context, code string, data LinkData, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal link data: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.prefix+code, payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("persist link code: %w", err)
	}
	if !ok {
		return ErrCodeExists
	}
	return nil
}

func (s *RedisCodeStore) Take(ctx context.Context, code string) (LinkData, error) {
	payload, err := s.client.GetDel(ctx, s.prefix+code).Bytes()
	if errors.Is(err, redis.Nil) {
		return LinkData{}, ErrCodeNotFound
	}
	if err != nil {
		return LinkData{}, fmt.Errorf("load link code: %w", err)
	}
	var data LinkData
	if err := json.Unmarshal(payload, &data); err != nil {
		return LinkData{}, fmt.Errorf("decode link data: %w", err)
	}
	return data, nil
}

// MemoryCodeStore is the bounded in-process fallback when redis is not
// configured.
type MemoryCodeStore struct {
	mu         sync.Mutex
	entries    map[string]memoryCode
	maxEntries int
	now        func() time.Time
}

type memoryCode struct {
	data      LinkData
	expiresAt time.Time
}

var _ CodeStore = (*MemoryCodeStore)(nil)

func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{
		entries:    map[string]memoryCode{},
		maxEntries: 256,
		now:        time.Now,
	}
}

func (s *MemoryCodeStore) Put(_ context.Context, code string, data LinkData, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpired()
	if entry, ok := s.entries[code]; ok && entry.expiresAt.After(s.now()) {
		return ErrCodeExists
	}
	if len(s.entries) >= s.maxEntries {
		return fmt.Errorf("link code store full")
	}
	s.entries[code] = memoryCode{data: data, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryCodeStore) Take(_ context.Context, code string) (LinkData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[code]
	if !ok {
		return LinkData{}, ErrCodeNotFound
	}
	delete(s.entries, code)
	if !entry.expiresAt.After(s.now()) {
		return LinkData{}, ErrCodeNotFound
	}
	return entry.data, nil
}

func (s *MemoryCodeStore) evictExpired() {
	now := s.now()
	for code, entry := range s.entries {
		if !entry.expiresAt.After(now) {
			delete(s.entries, code)
		}
	}
}
