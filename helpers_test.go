package chatcore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// msg builds a direct message whose timestamp is n minutes after t0.
func msg(n int, sender, receiver string) Message {
	return Message{
		ID:         MessageID(fmt.Sprintf("m%d", n)),
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    fmt.Sprintf("message %d", n),
		Type:       MessageText,
		Status:     StatusSent,
		CreatedAt:  t0.Add(time.Duration(n) * time.Minute),
	}
}

// msgs builds msg(from)..msg(to) inclusive.
func msgs(from, to int, sender, receiver string) []Message {
	var out []Message
	for n := from; n <= to; n++ {
		out = append(out, msg(n, sender, receiver))
	}
	return out
}

func ids(ms []Message) []MessageID {
	out := make([]MessageID, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

// recordingSender captures outbound envelopes. When err is set every send
// fails with it.
type recordingSender struct {
	mu   sync.Mutex
	sent []Envelope
	err  error
}

func (s *recordingSender) Send(_ context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *recordingSender) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *recordingSender) envelopes() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.sent...)
}

// staticPage returns a PageFunc serving page and counting calls.
func staticPage(page []Message, calls *int) PageFunc {
	return func(context.Context, ConversationKey) ([]Message, error) {
		*calls++
		return append([]Message(nil), page...), nil
	}
}
