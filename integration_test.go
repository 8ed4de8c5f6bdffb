//go:build integration

package chatcore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/chatcore-dev/chatcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests run against a live backend:
//
//	CHATCORE_BASE_URL=http://localhost:3000/v1 \
//	CHATCORE_TEST_USER=alice CHATCORE_TEST_PASSWORD=secret \
//	CHATCORE_TEST_PEER=<user id> go test -tags integration ./...

func env(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s not set", key)
	}
	return v
}

func signedIn(t *testing.T) *chatcore.Client {
	t.Helper()
	base := os.Getenv("CHATCORE_BASE_URL")
	if base == "" {
		base = chatcore.DefaultBaseURL
	}
	client := chatcore.NewClient(chatcore.WithBaseURL(base), chatcore.WithTimeout(15*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err := client.Auth.Login(ctx, env(t, "CHATCORE_TEST_USER"), env(t, "CHATCORE_TEST_PASSWORD"))
	require.NoError(t, err)
	return client
}

func TestLiveProfileAndConversations(t *testing.T) {
	client := signedIn(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	profile, err := client.Users.Profile(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, profile.ID)

	page, err := client.Conversations.List(ctx, 1, 20, "")
	require.NoError(t, err)
	t.Logf("%d conversations", len(page.Data))
}

func TestLiveSendAndEcho(t *testing.T) {
	client := signedIn(t)
	peer := chatcore.DirectKey(env(t, "CHATCORE_TEST_PEER"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	confirmed := make(chan chatcore.PendingMessage, 1)
	sess := chatcore.NewSession(client, chatcore.SessionConfig{})
	sess.Outbox().On(func(e chatcore.OutboxEvent, pm chatcore.PendingMessage) {
		if e == chatcore.OutboxConfirmed {
			confirmed <- pm
		}
	})
	require.NoError(t, sess.Start(ctx))
	defer sess.Close()

	_, err := sess.Open(ctx, peer)
	require.NoError(t, err)

	content := "integration " + time.Now().Format(time.RFC3339Nano)
	_, err = sess.SendChat(ctx, content, nil)
	require.NoError(t, err)

	select {
	case pm := <-confirmed:
		assert.Equal(t, content, pm.Payload.Content)
	case <-ctx.Done():
		t.Fatal("no echo for the sent message")
	}
	require.Eventually(t, func() bool {
		msgs := sess.Messages(peer)
		return len(msgs) > 0 && msgs[len(msgs)-1].Content == content
	}, 5*time.Second, 50*time.Millisecond)
}
