package fleet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diwise/sensor-fleet/domain"
	"github.com/diwise/sensor-fleet/internal/pkg/application/config"
	"github.com/diwise/sensor-fleet/internal/pkg/application/device"
	"github.com/matryer/is"
)

func TestThatOneFailingSessionDoesNotAffectTheOthers(t *testing.T) {
	is := is.New(t)

	conns := newConnections()
	conns.failConnect["broken"] = true

	cfg := testConfig("dev1", "broken", "dev2")
	f, err := New(conns.factory).Start(context.Background(), cfg)
	is.NoErr(err)
	is.Equal(len(f.Sessions()), 3)

	waitFor(t, func() bool {
		return conns.get("dev1").published.Load() >= 4 &&
			conns.get("dev2").published.Load() >= 4 &&
			f.Sessions()[1].State() == device.Failed
	})

	is.Equal(f.Sessions()[1].State(), device.Failed)
	is.Equal(f.Sessions()[0].State(), device.Running)
	is.Equal(f.Sessions()[2].State(), device.Running)

	is.NoErr(f.StopAll(time.Second))

	results := f.AwaitAll()
	is.Equal(results[0].State, device.Stopped)
	is.Equal(results[2].State, device.Stopped)
	is.Equal(results[1].State, device.Failed)
	is.True(errors.Is(results[1].Err, device.ErrConnection))

	err = Err(results)
	is.True(errors.Is(err, device.ErrConnection))

	for _, id := range []string{"dev1", "broken", "dev2"} {
		is.Equal(conns.get(id).disconnects.Load(), int32(1)) // every connection released once
	}
}

func TestThatAwaitAllReturnsWhenEverySessionHasFailed(t *testing.T) {
	is := is.New(t)

	conns := newConnections()
	conns.failConnect["a"] = true
	conns.failConnect["b"] = true

	f, err := New(conns.factory).Start(context.Background(), testConfig("a", "b"))
	is.NoErr(err)

	done := make(chan []Result, 1)
	go func() { done <- f.AwaitAll() }()

	select {
	case results := <-done:
		is.Equal(len(results), 2)
		is.Equal(results[0].ClientID, "a")
		is.Equal(results[1].ClientID, "b")
	case <-time.After(5 * time.Second):
		t.Fatal("AwaitAll did not return")
	}
}

func TestThatSessionsAreRegisteredOnceConnected(t *testing.T) {
	is := is.New(t)

	conns := newConnections()
	conns.failConnect["broken"] = true
	reg := &fakeRegistry{sensors: map[string][]string{}}

	f, err := New(conns.factory, WithRegistry(reg)).Start(context.Background(), testConfig("dev1", "broken"))
	is.NoErr(err)

	waitFor(t, func() bool { return reg.count() == 1 })
	is.NoErr(f.StopAll(time.Second))

	is.Equal(reg.get("dev1"), []string{"dev1-sensor1", "dev1-sensor2"})
	is.Equal(reg.get("broken"), nil) // failed sessions are never registered
}

func TestThatARegistryFailureDoesNotFailTheSession(t *testing.T) {
	is := is.New(t)

	conns := newConnections()
	reg := &fakeRegistry{sensors: map[string][]string{}, err: errors.New("context broker unavailable")}

	f, err := New(conns.factory, WithRegistry(reg)).Start(context.Background(), testConfig("dev1"))
	is.NoErr(err)

	waitFor(t, func() bool { return reg.count() == 1 && conns.get("dev1").published.Load() >= 4 })
	is.Equal(f.Sessions()[0].State(), device.Running) // session keeps running after a failed registration

	is.NoErr(f.StopAll(time.Second))

	results := f.AwaitAll()
	is.Equal(results[0].State, device.Stopped)
	is.NoErr(Err(results))
}

func TestThatAFactoryErrorAbortsStartup(t *testing.T) {
	is := is.New(t)

	factory := func(clientID string) (device.BrokerConnection, error) {
		return nil, errors.New("no certificate")
	}

	f, err := New(factory).Start(context.Background(), testConfig("dev1"))
	is.True(err != nil)
	is.True(f == nil)
}

func TestThatStatusesCoverEverySession(t *testing.T) {
	is := is.New(t)

	conns := newConnections()
	f, err := New(conns.factory).Start(context.Background(), testConfig("dev1", "dev2"))
	is.NoErr(err)
	defer f.StopAll(time.Second)

	statuses := f.Statuses()
	is.Equal(len(statuses), 2)
	is.Equal(statuses[0].ClientID, "dev1")
	is.Equal(statuses[1].ClientID, "dev2")
	is.True(f.RunID() != "")
}

func TestThatStopAllReportsSessionsStuckPastTheGracePeriod(t *testing.T) {
	is := is.New(t)

	conns := newConnections()
	conns.block = make(chan struct{})
	defer close(conns.block)

	f, err := New(conns.factory).Start(context.Background(), testConfig("dev1"))
	is.NoErr(err)

	waitFor(t, func() bool { return conns.get("dev1") != nil && conns.get("dev1").connecting.Load() })

	err = f.StopAll(20 * time.Millisecond)
	is.True(err != nil)
}

func testConfig(clientIDs ...string) *config.FleetConfig {
	cfg := &config.FleetConfig{
		Endpoint:        "localhost",
		CertificatePath: "cert.pem",
		PrivateKeyPath:  "key.pem",
		ClientIDs:       clientIDs,
		Topic:           "sensors",
		NumOfSensors:    2,
		Mode:            domain.ModeBoth,
		TickInterval:    5 * time.Millisecond,
	}
	d := time.Duration(0)
	cfg.StartDelay = &d
	if err := cfg.Finalize(); err != nil {
		panic(err)
	}
	return cfg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type connections struct {
	mu          sync.Mutex
	conns       map[string]*fakeConnection
	failConnect map[string]bool
	block       chan struct{}
}

func newConnections() *connections {
	return &connections{
		conns:       map[string]*fakeConnection{},
		failConnect: map[string]bool{},
	}
}

func (c *connections) factory(clientID string) (device.BrokerConnection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn := &fakeConnection{block: c.block}
	if c.failConnect[clientID] {
		conn.connectErr = errors.New("connection refused")
	}
	c.conns[clientID] = conn
	return conn, nil
}

func (c *connections) get(clientID string) *fakeConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[clientID]
}

type fakeConnection struct {
	connectErr  error
	block       chan struct{}
	connecting  atomic.Bool
	published   atomic.Int64
	disconnects atomic.Int32
}

func (c *fakeConnection) Connect(ctx context.Context) error {
	c.connecting.Store(true)
	if c.block != nil {
		<-c.block
	}
	return c.connectErr
}

func (c *fakeConnection) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	c.published.Add(1)
	return nil
}

func (c *fakeConnection) Subscribe(ctx context.Context, topic string, qos byte, handler device.MessageHandler) error {
	return nil
}

func (c *fakeConnection) Disconnect() {
	c.disconnects.Add(1)
}

type fakeRegistry struct {
	mu      sync.Mutex
	sensors map[string][]string
	err     error
}

func (r *fakeRegistry) RegisterSensors(ctx context.Context, clientID string, sensorIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensors[clientID] = sensorIDs
	return r.err
}

func (r *fakeRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sensors)
}

func (r *fakeRegistry) get(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sensors[clientID]
}
