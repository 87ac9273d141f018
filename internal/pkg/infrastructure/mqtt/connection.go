package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/diwise/sensor-fleet/internal/pkg/application/device"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

type subscription struct {
	qos     byte
	handler device.MessageHandler
}

// Connection is a device.BrokerConnection backed by a paho client. The client is
// created on Connect so that its callbacks can log with the session's logger.
type Connection struct {
	clientID string
	opts     Options

	mu            sync.Mutex
	client        paho.Client
	subscriptions map[string]subscription
}

func New(clientID string, opts Options) *Connection {
	return &Connection{
		clientID:      clientID,
		opts:          opts.withDefaults(),
		subscriptions: map[string]subscription{},
	}
}

// NewFactory returns a device.ConnectionFactory that shares opts between clients.
func NewFactory(opts Options) device.ConnectionFactory {
	return func(clientID string) (device.BrokerConnection, error) {
		return New(clientID, opts), nil
	}
}

func (c *Connection) Connect(ctx context.Context) error {
	logger := logging.GetFromContext(ctx)

	c.mu.Lock()
	if c.client != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is already connected", device.ErrConnection, c.clientID)
	}
	client := paho.NewClient(c.clientOptions(logger))
	c.client = client
	c.mu.Unlock()

	logger.Debug().Str("broker", c.opts.BrokerURL).Msg("connecting")

	token := client.Connect()
	if err := c.wait(ctx, token, c.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("%w: failed to connect to %s: %s", device.ErrConnection, c.opts.BrokerURL, err.Error())
	}

	return nil
}

func (c *Connection) clientOptions(logger zerolog.Logger) *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(c.opts.BrokerURL).
		SetClientID(c.clientID).
		SetCleanSession(true).
		SetKeepAlive(DefaultKeepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetMaxReconnectInterval(c.opts.MaxReconnectInterval).
		SetConnectTimeout(c.opts.ConnectTimeout).
		SetWriteTimeout(c.opts.OperationTimeout).
		SetOrderMatters(true)

	if c.opts.TLSConfig != nil {
		opts.SetTLSConfig(c.opts.TLSConfig)
	}
	if c.opts.Headers != nil {
		opts.SetHTTPHeaders(c.opts.Headers)
	}
	if c.opts.ProxyURL != nil {
		opts.SetWebsocketOptions(&paho.WebsocketOptions{
			Proxy: func(_ *http.Request) (*url.URL, error) { return c.opts.ProxyURL, nil },
		})
	}
	if c.opts.Dialer != nil {
		opts.SetCustomOpenConnectionFn(c.openThroughProxy)
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn().Err(err).Msg("connection lost, reconnecting")
	})
	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		logger.Info().Msg("reconnecting")
	})
	opts.SetOnConnectHandler(func(client paho.Client) {
		logger.Info().Msg("connected")
		c.resubscribe(client, logger)
	})

	return opts
}

func (c *Connection) openThroughProxy(uri *url.URL, _ paho.ClientOptions) (net.Conn, error) {
	conn, err := c.opts.Dialer.Dial("tcp", uri.Host)
	if err != nil {
		return nil, err
	}

	switch uri.Scheme {
	case "ssl", "tls", "mqtts", "tcps":
		tlsConfig := c.opts.TLSConfig.Clone()
		if tlsConfig == nil {
			tlsConfig = &tls.Config{}
		}
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = uri.Hostname()
		}

		conn.SetDeadline(time.Now().Add(c.opts.ConnectTimeout))

		tlsConn := tls.Client(conn, tlsConfig)
		if err = tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}

		conn.SetDeadline(time.Time{})
		return tlsConn, nil
	}

	return conn, nil
}

// resubscribe restores subscriptions after an automatic reconnect, the broker
// forgets them since sessions are clean.
func (c *Connection) resubscribe(client paho.Client, logger zerolog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for topic, sub := range c.subscriptions {
		client.Subscribe(topic, sub.qos, messageHandler(sub.handler))
		logger.Debug().Str("topic", topic).Msg("resubscribed")
	}
}

func (c *Connection) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	client, err := c.connected()
	if err != nil {
		return err
	}

	token := client.Publish(topic, qos, false, payload)
	if err = c.wait(ctx, token, c.opts.OperationTimeout); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s", device.ErrPublish, err.Error())
	}

	return nil
}

func (c *Connection) Subscribe(ctx context.Context, topic string, qos byte, handler device.MessageHandler) error {
	client, err := c.connected()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	token := client.Subscribe(topic, qos, messageHandler(handler))
	if err = c.wait(ctx, token, c.opts.OperationTimeout); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	return nil
}

// Disconnect is safe to call on a connection that never connected.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
}

func (c *Connection) connected() (paho.Client, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return nil, fmt.Errorf("%w: %s is not connected", device.ErrConnectionLost, c.clientID)
	}

	return client, nil
}

func (c *Connection) wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}

func messageHandler(handler device.MessageHandler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	}
}
