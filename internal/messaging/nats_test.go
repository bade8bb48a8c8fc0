package messaging

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, subject string) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.Subject = subject
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg, nil)
	if err != nil {
		t.Skipf("nats not available at %s: %v", nats.DefaultURL, err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestChatRoundTrip(t *testing.T) {
	subject := "test.relay.chat." + time.Now().Format("150405.000000")
	pub := newTestClient(t, subject)
	sub := newTestClient(t, subject)

	got := make(chan []byte, 1)
	require.NoError(t, sub.SubscribeChat(func(data []byte) { got <- data }))
	require.NoError(t, sub.Flush())

	require.NoError(t, pub.PublishChat([]byte(`{"type":"message"}`)))

	select {
	case data := <-got:
		assert.JSONEq(t, `{"type":"message"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestDefaultNATSConfig(t *testing.T) {
	cfg := DefaultNATSConfig()
	assert.Equal(t, SubjectChat, cfg.Subject)
	assert.Equal(t, -1, cfg.MaxReconnects)
}
