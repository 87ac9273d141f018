package device

import (
	"context"
	"errors"
)

var (
	// ErrConnection is returned when the broker cannot be reached or rejects the
	// credentials. It is fatal for the session.
	ErrConnection = errors.New("connection failed")
	// ErrPublish marks a transient publish failure. The session logs it and keeps
	// ticking, retries are left to the connection.
	ErrPublish = errors.New("publish failed")
	// ErrConnectionLost means the connection is gone and will not come back.
	ErrConnectionLost = errors.New("connection lost")
)

type MessageHandler = func(topic string, payload []byte)

// BrokerConnection is the publish/subscribe capability a session is built on.
// Reconnects, backoff and offline queueing are the implementation's business.
type BrokerConnection interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
	Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error
	Disconnect()
}

// ConnectionFactory creates an unconnected BrokerConnection for a client id.
type ConnectionFactory = func(clientID string) (BrokerConnection, error)
