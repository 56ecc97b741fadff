package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-memory implementation of the store contracts, used by
// tests and by the bridge when no database is configured.
type Memory struct {
	mu     sync.RWMutex
	tokens map[int64]Token
	subs   map[int64]map[string]Subscription
	events map[string]EventRef
}

var (
	_ TokenStore        = (*Memory)(nil)
	_ SubscriptionStore = (*Memory)(nil)
	_ EventStore        = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		tokens: map[int64]Token{},
		subs:   map[int64]map[string]Subscription{},
		events: map[string]EventRef{},
	}
}

func (s *Memory) GetToken(_ context.Context, puppetID int64) (Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[puppetID]
	if !ok {
		return Token{}, ErrNotFound
	}
	return token, nil
}

func (s *Memory) StoreToken(_ context.Context, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.PuppetID] = token
	return nil
}

func (s *Memory) ListPuppets(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.tokens))
	for id := range s.tokens {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Memory) UpsertSubscription(_ context.Context, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chats, ok := s.subs[sub.PuppetID]
	if !ok {
		chats = map[string]Subscription{}
		s.subs[sub.PuppetID] = chats
	}
	chats[sub.ChatID] = sub
	return nil
}

func (s *Memory) ListSubscriptions(_ context.Context, puppetID int64) ([]Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chats := s.subs[puppetID]
	subs := make([]Subscription, 0, len(chats))
	for _, sub := range chats {
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *Memory) DeleteSubscriptions(_ context.Context, puppetID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, puppetID)
	return nil
}

func (s *Memory) InsertEventRef(_ context.Context, ref EventRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventKey(ref.PuppetID, ref.ChatID, ref.RemoteID)
	if _, exists := s.events[key]; !exists {
		s.events[key] = ref
	}
	return nil
}

func (s *Memory) HasEventRef(_ context.Context, puppetID int64, chatID, remoteID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventKey(puppetID, chatID, remoteID)]
	return ok, nil
}

func eventKey(puppetID int64, chatID, remoteID string) string {
	return fmt.Sprintf("%d;%s;%s", puppetID, chatID, remoteID)
}
