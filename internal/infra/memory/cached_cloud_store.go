package memory

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"study-sync-service/internal/app"
	"study-sync-service/internal/domain"
)

// CachedCloudStore caches per-user list reads of a cloud store with a TTL to
// avoid repeated round trips while a device polls its sync status.
// Inserts invalidate the owner's entries. A load that was in flight across an
// invalidation is returned to its callers but never cached.
type CachedCloudStore struct {
	next  app.CloudStore
	ttl   time.Duration
	clock func() time.Time
	sf    singleflight.Group
	rnd   *rand.Rand
	rndMu sync.Mutex

	mu        sync.RWMutex
	subjects  map[string]cachedList[domain.Subject]
	questions map[string]cachedList[domain.Question]
	gens      map[string]uint64
}

type cachedList[T any] struct {
	items     []T
	expiresAt time.Time
}

func NewCachedCloudStore(next app.CloudStore, ttl time.Duration) *CachedCloudStore {
	return &CachedCloudStore{
		next:      next,
		ttl:       ttl,
		clock:     time.Now,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		subjects:  make(map[string]cachedList[domain.Subject]),
		questions: make(map[string]cachedList[domain.Question]),
		gens:      make(map[string]uint64),
	}
}

func (c *CachedCloudStore) ListSubjects(ctx context.Context, userID string) ([]domain.Subject, error) {
	return cachedRead(c, c.subjects, "subjects:"+userID, userID, func() ([]domain.Subject, error) {
		return c.next.ListSubjects(ctx, userID)
	})
}

func (c *CachedCloudStore) ListQuestions(ctx context.Context, userID string) ([]domain.Question, error) {
	return cachedRead(c, c.questions, "questions:"+userID, userID, func() ([]domain.Question, error) {
		return c.next.ListQuestions(ctx, userID)
	})
}

func (c *CachedCloudStore) InsertSubject(ctx context.Context, subject domain.Subject) (domain.Subject, error) {
	created, err := c.next.InsertSubject(ctx, subject)
	c.Invalidate(subject.CreatedBy)
	return created, err
}

func (c *CachedCloudStore) InsertQuestion(ctx context.Context, q domain.Question) (domain.Question, error) {
	created, err := c.next.InsertQuestion(ctx, q)
	c.Invalidate(q.CreatedBy)
	return created, err
}

// Invalidate drops every cached list of userID.
func (c *CachedCloudStore) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.subjects, userID)
	delete(c.questions, userID)
	c.gens[userID]++
	c.mu.Unlock()
}

func cachedRead[T any](c *CachedCloudStore, cache map[string]cachedList[T], flightKey, userID string, load func() ([]T, error)) ([]T, error) {
	now := c.clock()

	c.mu.RLock()
	if entry, ok := cache[userID]; ok && entry.expiresAt.After(now) {
		c.mu.RUnlock()
		return append([]T{}, entry.items...), nil
	}
	gen := c.gens[userID]
	c.mu.RUnlock()

	result, err, _ := c.sf.Do(flightKey+"@"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
		now := c.clock()
		c.mu.RLock()
		if entry, ok := cache[userID]; ok && entry.expiresAt.After(now) {
			c.mu.RUnlock()
			return entry.items, nil
		}
		c.mu.RUnlock()

		items, err := load()
		if err != nil {
			return nil, err
		}

		expiresAt := now.Add(c.ttlWithJitter())
		c.mu.Lock()
		if c.gens[userID] == gen {
			cache[userID] = cachedList[T]{items: items, expiresAt: expiresAt}
		}
		c.mu.Unlock()
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]T{}, result.([]T)...), nil
}

func (c *CachedCloudStore) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
