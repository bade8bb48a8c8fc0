package relay

import (
	"sync"

	"github.com/whisper/assistchat/internal/messaging"
)

// Broker fans encoded message frames out to every relay instance, including
// the publishing one.
type Broker interface {
	Publish(data []byte) error
	Subscribe(handler func(data []byte)) error
	Close()
}

// LocalBroker delivers published frames synchronously within the process.
type LocalBroker struct {
	mu       sync.RWMutex
	handlers []func([]byte)
}

// NewLocalBroker creates a broker for a single relay instance.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{}
}

// Publish calls every subscriber in the caller's goroutine.
func (b *LocalBroker) Publish(data []byte) error {
	b.mu.RLock()
	handlers := append([]func([]byte){}, b.handlers...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

// Subscribe registers handler.
func (b *LocalBroker) Subscribe(handler func([]byte)) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
	return nil
}

// Close drops all subscribers.
func (b *LocalBroker) Close() {
	b.mu.Lock()
	b.handlers = nil
	b.mu.Unlock()
}

// NATSBroker shares chat traffic between relay instances over NATS.
type NATSBroker struct {
	client *messaging.NATSClient
}

// NewNATSBroker wraps a connected NATS client.
func NewNATSBroker(client *messaging.NATSClient) *NATSBroker {
	return &NATSBroker{client: client}
}

// Publish sends data on the relay chat subject.
func (b *NATSBroker) Publish(data []byte) error {
	return b.client.PublishChat(data)
}

// Subscribe delivers every frame published on the relay chat subject.
func (b *NATSBroker) Subscribe(handler func([]byte)) error {
	return b.client.SubscribeChat(handler)
}

// Close drains subscriptions and closes the connection.
func (b *NATSBroker) Close() {
	b.client.Close()
}
