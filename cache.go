package chatcore

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheCapacity is the number of conversations a Cache keeps before
// evicting the least recently used one.
const DefaultCacheCapacity = 256

// PageFunc fetches the first page of a conversation.
type PageFunc func(ctx context.Context, key ConversationKey) ([]Message, error)

// CacheConfig configures a Cache.
type CacheConfig struct {
	Capacity int
	Logger   *slog.Logger
	Metrics  *Metrics
	// OnEvict is called for every conversation dropped from the cache,
	// after the cache lock is released.
	OnEvict func(ConversationKey)
}

type cacheEntry struct {
	msgs      []Message
	ids       map[MessageID]int
	exhausted bool
}

func newCacheEntry() *cacheEntry {
	return &cacheEntry{ids: make(map[MessageID]int)}
}

// Cache maps conversation keys to ordered message lists. Every mutation is a
// union keyed by message id, sorted by (CreatedAt, ID), so the final state
// does not depend on the order in which fetches and pushes land.
type Cache struct {
	mu       sync.Mutex
	entries  *lru.Cache[ConversationKey, *cacheEntry]
	inflight map[ConversationKey][]Message
	evicted  []ConversationKey
	purging  bool
	loads    singleflight.Group

	logger  *slog.Logger
	metrics *Metrics
	onEvict func(ConversationKey)
}

// NewCache creates an empty cache.
func NewCache(config CacheConfig) *Cache {
	if config.Capacity <= 0 {
		config.Capacity = DefaultCacheCapacity
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	c := &Cache{
		inflight: make(map[ConversationKey][]Message),
		logger:   config.Logger.With("component", "cache"),
		metrics:  config.Metrics,
		onEvict:  config.OnEvict,
	}
	// The callback runs inside lru calls, which only happen under c.mu.
	entries, err := lru.NewWithEvict[ConversationKey, *cacheEntry](config.Capacity, func(key ConversationKey, _ *cacheEntry) {
		c.evicted = append(c.evicted, key)
		if !c.purging {
			c.metrics.eviction()
			c.logger.Debug("conversation_evicted", "key", key.String())
		}
	})
	if err != nil {
		panic(err) // only for a non-positive size
	}
	c.entries = entries
	return c
}

// unlock releases c.mu and reports evictions collected while it was held.
func (c *Cache) unlock() {
	evicted := c.evicted
	c.evicted = nil
	c.mu.Unlock()
	if c.onEvict != nil {
		for _, key := range evicted {
			c.onEvict(key)
		}
	}
}

func (c *Cache) entry(key ConversationKey) *cacheEntry {
	e, ok := c.entries.Get(key)
	if !ok {
		e = newCacheEntry()
		c.entries.Add(key, e)
	}
	return e
}

// Get returns a copy of the conversation, ascending by time.
func (c *Cache) Get(key ConversationKey) ([]Message, bool) {
	c.mu.Lock()
	defer c.unlock()
	e, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	return append([]Message(nil), e.msgs...), true
}

// Len returns the number of cached conversations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// EnsureLoaded returns the cached conversation, fetching its first page
// with fetch when the entry is absent or empty. Concurrent calls for one key
// share a single fetch. Realtime messages that arrive while the fetch is
// outstanding are merged into its result.
func (c *Cache) EnsureLoaded(ctx context.Context, key ConversationKey, fetch PageFunc) ([]Message, error) {
	if msgs, ok := c.Get(key); ok && len(msgs) > 0 {
		return msgs, nil
	}

	_, err, _ := c.loads.Do(key.String(), func() (interface{}, error) {
		c.mu.Lock()
		if e, ok := c.entries.Peek(key); ok && len(e.msgs) > 0 {
			// Loaded by a call that finished after our first look.
			c.mu.Unlock()
			return nil, nil
		}
		if _, busy := c.inflight[key]; !busy {
			c.inflight[key] = []Message{}
		}
		c.mu.Unlock()

		page, err := fetch(ctx, key)

		c.mu.Lock()
		defer c.unlock()
		buffered := c.inflight[key]
		delete(c.inflight, key)
		if err != nil {
			if len(buffered) > 0 {
				c.logger.Debug("buffered_dropped", "key", key.String(), "count", len(buffered))
			}
			return nil, err
		}
		e := c.entry(key)
		e.merge(page)
		e.merge(buffered)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	msgs, _ := c.Get(key)
	return msgs, nil
}

// AppendRealtime merges a pushed message. It reports false when the message
// was already present or the conversation is not loaded; an unloaded
// conversation picks the message up from its first fetch instead, which
// keeps every entry free of holes.
func (c *Cache) AppendRealtime(key ConversationKey, msg Message) bool {
	if key.IsZero() || msg.ID == "" {
		return false
	}
	c.mu.Lock()
	defer c.unlock()
	e, ok := c.entries.Get(key)
	if !ok {
		if buf, busy := c.inflight[key]; busy {
			c.inflight[key] = append(buf, msg)
			return true
		}
		return false
	}
	return e.merge([]Message{msg}) > 0
}

// PrependHistory merges a page of older messages and returns how many were
// new. Unlike AppendRealtime it creates the entry when absent.
func (c *Cache) PrependHistory(key ConversationKey, older []Message) int {
	if key.IsZero() {
		return 0
	}
	c.mu.Lock()
	defer c.unlock()
	return c.entry(key).merge(older)
}

// MarkSeen sets status seen on every message sent by viewer whose id is at
// or below through. Status never moves backwards. It returns the number of
// messages changed.
func (c *Cache) MarkSeen(key ConversationKey, viewer string, through MessageID) int {
	c.mu.Lock()
	defer c.unlock()
	e, ok := c.entries.Peek(key)
	if !ok {
		return 0
	}
	n := 0
	for i := range e.msgs {
		m := &e.msgs[i]
		if m.SenderID != viewer || m.ID.Compare(through) > 0 || m.Status == StatusSeen {
			continue
		}
		m.Status = StatusSeen
		n++
	}
	return n
}

// Exhausted reports whether the oldest page of the conversation was reached.
func (c *Cache) Exhausted(key ConversationKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(key)
	return ok && e.exhausted
}

// SetExhausted records whether older history remains. It creates the entry
// when absent.
func (c *Cache) SetExhausted(key ConversationKey, exhausted bool) {
	c.mu.Lock()
	defer c.unlock()
	c.entry(key).exhausted = exhausted
}

// Oldest returns the first cached message of the conversation.
func (c *Cache) Oldest(key ConversationKey) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(key)
	if !ok || len(e.msgs) == 0 {
		return Message{}, false
	}
	return e.msgs[0], true
}

// Newest returns the last cached message of the conversation.
func (c *Cache) Newest(key ConversationKey) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(key)
	if !ok || len(e.msgs) == 0 {
		return Message{}, false
	}
	return e.msgs[len(e.msgs)-1], true
}

// CountBefore returns how many cached messages of key are older than t.
func (c *Cache) CountBefore(key ConversationKey, t time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(key)
	if !ok {
		return 0
	}
	return sort.Search(len(e.msgs), func(i int) bool {
		return !e.msgs[i].CreatedAt.Before(t)
	})
}

// Purge drops every conversation. OnEvict still fires for each.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.purging = true
	c.entries.Purge()
	c.purging = false
	c.inflight = make(map[ConversationKey][]Message)
	c.unlock()
}

// merge unions msgs into the entry and returns the number of new ids.
func (e *cacheEntry) merge(msgs []Message) int {
	added := 0
	sorted := true
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if i, ok := e.ids[m.ID]; ok {
			if m.Status.rank() > e.msgs[i].Status.rank() {
				e.msgs[i].Status = m.Status
			}
			continue
		}
		if n := len(e.msgs); n > 0 && !e.msgs[n-1].before(&m) {
			sorted = false
		}
		e.ids[m.ID] = len(e.msgs)
		e.msgs = append(e.msgs, m)
		added++
	}
	if !sorted {
		sort.SliceStable(e.msgs, func(i, j int) bool {
			return e.msgs[i].before(&e.msgs[j])
		})
		for i := range e.msgs {
			e.ids[e.msgs[i].ID] = i
		}
	}
	return added
}
