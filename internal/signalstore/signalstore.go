// Package signalstore is the Signal Store (C3, spec.md §4.2): an
// append-only persisted log backed by an in-memory dedup index bounded at
// 10,000 entries / 5s TTL, generalizing the teacher's
// blacklist_repository's in-memory-set-over-SQL shape to a time-bounded
// LRU instead of a static set.
package signalstore

import (
	"container/list"
	"context"
	"sync"
	"time"

	"futuresbridge/internal/models"
	"futuresbridge/internal/repository"
	"futuresbridge/pkg/utils"
)

const (
	defaultCapacity = 10000
	defaultTTL      = 5 * time.Second
)

type entry struct {
	key     string
	expires time.Time
}

// Store is C3: Insert first checks+reserves the in-memory dedup index,
// then persists. A cold index (restart) falls back to the repository's
// ExistsByDedupKey for a definitive answer.
type Store struct {
	repo *repository.SignalRepository
	log  *utils.Logger

	capacity int
	ttl      time.Duration

	mu    sync.Mutex
	ll    *list.List
	index map[string]*list.Element
}

func New(repo *repository.SignalRepository, log *utils.Logger) *Store {
	return &Store{
		repo:     repo,
		log:      log.WithComponent("signalstore"),
		capacity: defaultCapacity,
		ttl:      defaultTTL,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Record attempts to admit a signal. It returns (false, nil) when the
// dedup key was seen within the TTL window — the caller must drop the
// signal silently per spec.md §4.2. It returns (true, nil) and a durably
// persisted Signal otherwise.
func (s *Store) Record(ctx context.Context, sig *models.Signal) (bool, error) {
	if s.seenRecently(sig.DedupKey) {
		return false, nil
	}
	// Cold-index fallback: the in-memory index missed, but the signal may
	// already be durable from before a restart.
	exists, err := s.repo.ExistsByDedupKey(ctx, sig.DedupKey)
	if err != nil {
		s.log.Warn("dedup fallback query failed, admitting optimistically", utils.Err(err))
	} else if exists {
		s.remember(sig.DedupKey)
		return false, nil
	}

	id, err := s.repo.Insert(ctx, sig)
	if err != nil {
		return false, err
	}
	sig.ID = id
	s.remember(sig.DedupKey)
	return true, nil
}

// CloseOpenForSide closes every open-tracked signal for (strategyID,
// symbol, side) other than keepID.
func (s *Store) CloseOpenForSide(ctx context.Context, strategyID int64, symbol string, side models.Side, keepID int64) error {
	return s.repo.CloseOpenForSide(ctx, strategyID, symbol, side, keepID)
}

func (s *Store) seenRecently(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()
	el, ok := s.index[key]
	if !ok {
		return false
	}
	return el.Value.(*entry).expires.After(time.Now())
}

func (s *Store) remember(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()
	if el, ok := s.index[key]; ok {
		s.ll.Remove(el)
	}
	el := s.ll.PushFront(&entry{key: key, expires: time.Now().Add(s.ttl)})
	s.index[key] = el
	for s.ll.Len() > s.capacity {
		back := s.ll.Back()
		if back == nil {
			break
		}
		s.ll.Remove(back)
		delete(s.index, back.Value.(*entry).key)
	}
}

func (s *Store) evictExpiredLocked() {
	now := time.Now()
	for {
		back := s.ll.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		if e.expires.After(now) {
			return
		}
		s.ll.Remove(back)
		delete(s.index, e.key)
	}
}
