package device

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diwise/sensor-fleet/domain"
	"github.com/diwise/sensor-fleet/internal/pkg/application/config"
	"github.com/diwise/sensor-fleet/internal/pkg/application/generator"
	"github.com/diwise/sensor-fleet/internal/pkg/application/payload"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("sensor-fleet/device")

// Observer is notified about session activity, typically to feed metrics.
type Observer interface {
	ReadingPublished(clientID string)
	PublishFailed(clientID string)
	MessageReceived(clientID string)
	StateChanged(clientID string, from, to State)
}

type Status struct {
	ClientID  string   `json:"clientId"`
	SensorIDs []string `json:"sensorIds"`
	State     State    `json:"state"`
	Published int64    `json:"published"`
	Received  int64    `json:"received"`
	Err       string   `json:"error,omitempty"`
}

// Session is one simulated device: a client id, one generator per sensor and a
// broker connection it owns exclusively.
type Session struct {
	clientID   string
	sensorIDs  []string
	generators []generator.Generator
	conn       BrokerConnection

	cfg    *config.FleetConfig
	encode payload.EncoderFunc

	observer    Observer
	out         io.Writer
	now         func() time.Time
	source      func(sensorID string) generator.Source
	onConnected func(ctx context.Context, s *Session)

	started   atomic.Bool
	state     atomic.Int32
	published atomic.Int64
	received  atomic.Int64

	mu      sync.Mutex
	lastErr error
}

type Option func(*Session)

func WithObserver(o Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

// WithOutput sets where published readings are echoed in publish mode.
func WithOutput(w io.Writer) Option {
	return func(s *Session) {
		s.out = w
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// WithSources replaces the random source used for each sensor's generator.
func WithSources(src func(sensorID string) generator.Source) Option {
	return func(s *Session) {
		s.source = src
	}
}

// WithOnConnected registers a callback invoked once the broker session is up.
func WithOnConnected(fn func(ctx context.Context, s *Session)) Option {
	return func(s *Session) {
		s.onConnected = fn
	}
}

func SensorIDs(clientID string, count int) []string {
	ids := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		ids = append(ids, clientID+"-sensor"+strconv.Itoa(i))
	}
	return ids
}

func New(cfg *config.FleetConfig, clientID string, conn BrokerConnection, opts ...Option) (*Session, error) {
	if cfg.NumOfSensors <= 0 {
		return nil, fmt.Errorf("session %s needs at least one sensor", clientID)
	}

	encode, err := payload.NewEncoder(cfg.PayloadFormat)
	if err != nil {
		return nil, err
	}

	s := &Session{
		clientID:   clientID,
		sensorIDs:  SensorIDs(clientID, cfg.NumOfSensors),
		generators: make([]generator.Generator, cfg.NumOfSensors),
		conn:       conn,
		cfg:        cfg,
		encode:     encode,
		observer:   nopObserver{},
		out:        io.Discard,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.source == nil {
		seed := time.Now().UnixNano()
		s.source = func(sensorID string) generator.Source {
			return rand.New(rand.NewSource(seed ^ hash(sensorID)))
		}
	}

	for i, id := range s.sensorIDs {
		s.generators[i], err = generator.New(cfg.Generator, s.source(id))
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", clientID, err)
		}
	}

	return s, nil
}

func hash(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}

func (s *Session) ClientID() string {
	return s.clientID
}

func (s *Session) SensorIDs() []string {
	return append([]string{}, s.sensorIDs...)
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) Status() Status {
	st := Status{
		ClientID:  s.clientID,
		SensorIDs: s.SensorIDs(),
		State:     s.State(),
		Published: s.published.Load(),
		Received:  s.received.Load(),
	}

	s.mu.Lock()
	if s.lastErr != nil {
		st.Err = s.lastErr.Error()
	}
	s.mu.Unlock()

	return st
}

// Run connects, optionally subscribes and then ticks until ctx is cancelled or the
// connection fails for good. A cancelled run returns nil. The connection is
// released on every exit path.
func (s *Session) Run(ctx context.Context) (err error) {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("session %s has already been started", s.clientID)
	}

	logger := logging.GetFromContext(ctx).With().Str("client_id", s.clientID).Logger()
	ctx = logging.NewContextWithLogger(ctx, logger)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session %s panicked: %v", s.clientID, r)
		}
		err = s.finish(logger, err)
	}()
	defer s.conn.Disconnect()

	if err = s.connect(ctx); err != nil {
		return err
	}
	s.transition(logger, Connected)

	if s.onConnected != nil {
		s.onConnected(ctx, s)
	}

	if s.cfg.Mode.Subscribes() {
		if err = s.subscribe(ctx, logger); err != nil {
			return err
		}
	}
	s.transition(logger, Running)

	if err = sleep(ctx, s.cfg.SettleDelay()); err != nil {
		return err
	}

	logger.Debug().Msg("publish loop started")

	for {
		if err = ctx.Err(); err != nil {
			return err
		}

		if s.cfg.Mode.Publishes() {
			if err = s.tick(ctx, logger); err != nil {
				return err
			}
		}

		if err = sleep(ctx, s.cfg.TickInterval); err != nil {
			return err
		}
	}
}

func (s *Session) connect(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "connect")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	err = s.conn.Connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, ErrConnection) {
			err = fmt.Errorf("%w: %s", ErrConnection, err.Error())
		}
	}
	return err
}

func (s *Session) subscribe(ctx context.Context, logger zerolog.Logger) error {
	logger.Debug().Str("topic", s.cfg.Topic).Msg("subscribe start")

	err := s.conn.Subscribe(ctx, s.cfg.Topic, s.cfg.DeliveryQoS(), func(topic string, payload []byte) {
		s.received.Add(1)
		s.observer.MessageReceived(s.clientID)
		logger.Info().Str("topic", topic).Str("payload", string(payload)).Msg("received a new message")
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// tick publishes one reading per sensor, in sensor order, all stamped with the
// same wall clock time.
func (s *Session) tick(ctx context.Context, logger zerolog.Logger) (err error) {
	ctx, span := tracer.Start(ctx, "publish-readings")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	timestamp := s.now().UnixMilli()

	for i, sensorID := range s.sensorIDs {
		if err = ctx.Err(); err != nil {
			return err
		}

		reading := domain.SensorReading{
			Device:    sensorID,
			Value:     s.generators[i].Next(s.cfg.Spike()),
			Timestamp: timestamp,
		}

		b, encErr := s.encode(reading)
		if encErr != nil {
			logger.Error().Err(encErr).Str("device", sensorID).Msg("failed to encode reading")
			continue
		}

		pubErr := s.conn.Publish(ctx, s.cfg.Topic, b, s.cfg.DeliveryQoS())
		if pubErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(pubErr, ErrPublish) {
				s.observer.PublishFailed(s.clientID)
				logger.Warn().Err(pubErr).Str("device", sensorID).Msg("failed to publish reading")
				continue
			}
			err = pubErr
			return err
		}

		s.published.Add(1)
		s.observer.ReadingPublished(s.clientID)

		if s.cfg.Mode == domain.ModePublish {
			fmt.Fprintf(s.out, "Published topic %s: %s\n", s.cfg.Topic, b)
		}
	}

	return nil
}

func (s *Session) finish(logger zerolog.Logger, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.transition(logger, Stopped)
		return nil
	}

	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	logger.Error().Err(err).Msg("session failed")
	s.transition(logger, Failed)

	return err
}

func (s *Session) transition(logger zerolog.Logger, to State) {
	from := s.State()
	if !canTransition(from, to) || !s.state.CompareAndSwap(int32(from), int32(to)) {
		logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("ignoring invalid state transition")
		return
	}

	s.observer.StateChanged(s.clientID, from, to)
	logger.Info().Str("state", to.String()).Msg("session state changed")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopObserver struct{}

func (nopObserver) ReadingPublished(string)           {}
func (nopObserver) PublishFailed(string)              {}
func (nopObserver) MessageReceived(string)            {}
func (nopObserver) StateChanged(string, State, State) {}
