// Package bus carries serialised operations and presence updates between
// replicas. Delivery is at least once with no ordering guarantee.
package bus

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("bus closed")

type Message struct {
	Topic   string
	Payload []byte
}

type Subscription interface {
	Messages() <-chan Message
	Close() error
}

type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

func OpsTopic(documentID string) string {
	return "collab:" + documentID + ":ops"
}

func PresenceTopic(documentID string) string {
	return "collab:" + documentID + ":presence"
}
