package mqtt

import (
	"context"
	"fmt"
	"sync"
)

// MQTTSubscription is an active broker subscription owned by a Transport.
type MQTTSubscription struct {
	topic     string
	transport *Transport
	mu        sync.Mutex
	active    bool
}

func (ms *MQTTSubscription) Unsubscribe(ctx context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.active {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotActive, ms.topic)
	}

	client := ms.transport.client
	if client == nil || !client.IsConnected() {
		return ErrClientNotConnected
	}

	ms.transport.logger.WithField("topic", ms.topic).Info("Unsubscribing from MQTT topic")

	token := client.Unsubscribe(ms.topic)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", ms.topic, err)
	}

	ms.transport.removeSubscription(ms.topic)
	ms.active = false
	return nil
}

func (ms *MQTTSubscription) Topic() string {
	return ms.topic
}
