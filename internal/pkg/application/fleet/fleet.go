package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/diwise/sensor-fleet/internal/pkg/application/config"
	"github.com/diwise/sensor-fleet/internal/pkg/application/device"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/google/uuid"
)

// DeviceRegistry is told about the sensors of every session that manages to connect.
type DeviceRegistry interface {
	RegisterSensors(ctx context.Context, clientID string, sensorIDs []string) error
}

type Runner interface {
	Start(ctx context.Context, cfg *config.FleetConfig) (*Fleet, error)
}

type runner struct {
	newConnection device.ConnectionFactory
	observer      device.Observer
	registry      DeviceRegistry
	out           io.Writer
}

type Option func(*runner)

func WithObserver(o device.Observer) Option {
	return func(r *runner) {
		r.observer = o
	}
}

func WithRegistry(reg DeviceRegistry) Option {
	return func(r *runner) {
		r.registry = reg
	}
}

func WithOutput(w io.Writer) Option {
	return func(r *runner) {
		r.out = w
	}
}

func New(newConnection device.ConnectionFactory, opts ...Option) Runner {
	r := &runner{
		newConnection: newConnection,
		out:           io.Discard,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

type Result struct {
	ClientID string
	State    device.State
	Err      error
}

// Fleet is the handle to a running set of sessions.
type Fleet struct {
	runID    string
	sessions []*device.Session
	results  []Result

	cancel context.CancelFunc
	done   chan struct{}
}

// Start builds one session per configured client id and launches each in its own
// goroutine. Nothing is launched if any session cannot be built.
func (r *runner) Start(ctx context.Context, cfg *config.FleetConfig) (*Fleet, error) {
	runID := uuid.NewString()
	logger := logging.GetFromContext(ctx).With().Str("run_id", runID).Logger()
	ctx = logging.NewContextWithLogger(ctx, logger)

	f := &Fleet{
		runID:    runID,
		sessions: make([]*device.Session, 0, len(cfg.ClientIDs)),
		results:  make([]Result, len(cfg.ClientIDs)),
		done:     make(chan struct{}),
	}

	for _, clientID := range cfg.ClientIDs {
		conn, err := r.newConnection(clientID)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection for %s: %w", clientID, err)
		}

		opts := []device.Option{device.WithOutput(r.out)}
		if r.observer != nil {
			opts = append(opts, device.WithObserver(r.observer))
		}
		if r.registry != nil {
			opts = append(opts, device.WithOnConnected(r.register))
		}

		s, err := device.New(cfg, clientID, conn, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create session for %s: %w", clientID, err)
		}
		f.sessions = append(f.sessions, s)
	}

	ctx, f.cancel = context.WithCancel(ctx)

	var wg sync.WaitGroup
	for i, s := range f.sessions {
		wg.Add(1)
		go func(i int, s *device.Session) {
			defer wg.Done()
			err := s.Run(ctx)
			f.results[i] = Result{ClientID: s.ClientID(), State: s.State(), Err: err}
		}(i, s)
	}

	go func() {
		wg.Wait()
		close(f.done)
	}()

	logger.Info().Int("sessions", len(f.sessions)).Str("mode", string(cfg.Mode)).Msg("fleet started")

	return f, nil
}

func (r *runner) register(ctx context.Context, s *device.Session) {
	err := r.registry.RegisterSensors(ctx, s.ClientID(), s.SensorIDs())
	if err != nil {
		logger := logging.GetFromContext(ctx)
		logger.Warn().Err(err).Msg("failed to register sensors")
	}
}

func (f *Fleet) RunID() string {
	return f.runID
}

func (f *Fleet) Sessions() []*device.Session {
	return append([]*device.Session{}, f.sessions...)
}

func (f *Fleet) Statuses() []device.Status {
	statuses := make([]device.Status, 0, len(f.sessions))
	for _, s := range f.sessions {
		statuses = append(statuses, s.Status())
	}
	return statuses
}

// Done is closed when every session has reached a terminal state.
func (f *Fleet) Done() <-chan struct{} {
	return f.done
}

// AwaitAll blocks until every session has stopped or failed. A failing session
// never cancels the others.
func (f *Fleet) AwaitAll() []Result {
	<-f.done
	return append([]Result{}, f.results...)
}

// StopAll cancels every session and waits for them, at most for grace.
func (f *Fleet) StopAll(grace time.Duration) error {
	f.cancel()

	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-f.done:
		return nil
	case <-t.C:
		running := 0
		for _, s := range f.sessions {
			if !s.State().Terminal() {
				running++
			}
		}
		return fmt.Errorf("%d sessions still running after %s", running, grace)
	}
}

// Err joins the errors of every failed session.
func Err(results []Result) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.ClientID, r.Err))
		}
	}
	return errors.Join(errs...)
}
