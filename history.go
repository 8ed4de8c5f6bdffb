package chatcore

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// DefaultPageSize is the number of messages requested per history page.
const DefaultPageSize = 30

// HistorySource serves pages of stored messages. *MessagesClient implements
// it.
type HistorySource interface {
	History(ctx context.Context, q HistoryQuery) ([]Message, error)
}

// Cursor marks where the next older page ends. The zero Cursor asks for
// the newest page.
type Cursor struct {
	Before time.Time
}

// HistoryFetcher pages backwards through a conversation.
type HistoryFetcher struct {
	source  HistorySource
	logger  *slog.Logger
	metrics *Metrics
}

// NewHistoryFetcher creates a fetcher over source.
func NewHistoryFetcher(source HistorySource, logger *slog.Logger, metrics *Metrics) *HistoryFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryFetcher{
		source:  source,
		logger:  logger.With("component", "history"),
		metrics: metrics,
	}
}

// FetchPage returns at most pageSize messages older than cursor, ascending
// by time whatever order the server used. Errors are returned as is; there
// is no retry.
func (f *HistoryFetcher) FetchPage(ctx context.Context, key ConversationKey, pageSize int, cursor Cursor) ([]Message, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	q := HistoryQuery{
		ReceiverID: key.PeerID(),
		GroupID:    key.GroupID(),
		Limit:      pageSize,
		BeforeTime: cursor.Before,
	}
	msgs, err := f.source.History(ctx, q)
	if err != nil {
		f.metrics.historyFetch("error")
		f.logger.Warn("history_fetch_failed", "key", key.String(), "err", err)
		return nil, err
	}

	for i := range msgs {
		normalize(&msgs[i])
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].before(&msgs[j])
	})
	if len(msgs) > pageSize {
		msgs = msgs[len(msgs)-pageSize:]
	}

	if len(msgs) == 0 {
		f.metrics.historyFetch("empty")
	} else {
		f.metrics.historyFetch("ok")
	}
	return msgs, nil
}

// FirstPage returns a PageFunc for Cache.EnsureLoaded. A short first page
// marks the conversation exhausted.
func (f *HistoryFetcher) FirstPage(cache *Cache, pageSize int) PageFunc {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(ctx context.Context, key ConversationKey) ([]Message, error) {
		msgs, err := f.FetchPage(ctx, key, pageSize, Cursor{})
		if err != nil {
			return nil, err
		}
		if len(msgs) < pageSize {
			cache.SetExhausted(key, true)
		}
		return msgs, nil
	}
}

// tieWindow widens the cursor past the oldest cached timestamp so messages
// sharing it are fetched again instead of skipped. It matches the backend's
// millisecond timestamps.
const tieWindow = time.Millisecond

// LoadOlder fetches the page before the oldest cached message and merges it
// into cache. more is false once a short page was seen.
//
// The backend filters strictly by time, so the cursor sits just after the
// oldest cached timestamp and the request grows by the cached messages that
// fall inside that window; they come back as duplicates and are dropped by
// id.
func (f *HistoryFetcher) LoadOlder(ctx context.Context, cache *Cache, key ConversationKey, pageSize int) (added int, more bool, err error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if cache.Exhausted(key) {
		return 0, false, nil
	}
	var cursor Cursor
	limit := pageSize
	if oldest, ok := cache.Oldest(key); ok {
		cursor.Before = oldest.CreatedAt.Add(tieWindow)
		limit += cache.CountBefore(key, cursor.Before)
	}
	msgs, err := f.FetchPage(ctx, key, limit, cursor)
	if err != nil {
		return 0, true, err
	}
	added = cache.PrependHistory(key, msgs)
	if len(msgs) < limit || added == 0 {
		cache.SetExhausted(key, true)
		return added, false, nil
	}
	return added, true, nil
}

// normalize fills defaults the backend leaves out.
func normalize(m *Message) {
	if m.Status == "" {
		m.Status = StatusSent
	}
	if m.Type == "" {
		m.Type = MessageText
	}
}
