package transport

import (
	"fmt"

	"github.com/go-stomp/stomp/v3"
	"go.uber.org/zap"
)

// Frame is one message received on a destination.
type Frame struct {
	Destination string
	Body        []byte
}

// Unsubscriber cancels a destination subscription.
type Unsubscriber interface {
	Unsubscribe() error
}

// Channel is the live connection handed to onConnected callbacks.
type Channel interface {
	Subscribe(destination string, deliver func(Frame)) (Unsubscriber, error)
}

type stompChannel struct {
	conn   *stomp.Conn
	logger *zap.Logger
}

// Subscribe registers an auto-ack subscription and pumps its messages to deliver
// from a dedicated goroutine until the subscription or connection ends.
func (c *stompChannel) Subscribe(destination string, deliver func(Frame)) (Unsubscriber, error) {
	sub, err := c.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", destination, err)
	}
	go func() {
		for msg := range sub.C {
			if msg.Err != nil {
				c.logger.Warn("subscription error", zap.String("destination", destination), zap.Error(msg.Err))
				continue
			}
			deliver(Frame{Destination: destination, Body: msg.Body})
		}
	}()
	return stompSubscription{sub}, nil
}

type stompSubscription struct {
	sub *stomp.Subscription
}

func (s stompSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
