package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/log"
	"git.tatikoma.dev/corpix/shelf/mailbox"
	"git.tatikoma.dev/corpix/shelf/message"
	"git.tatikoma.dev/corpix/shelf/metrics"
	"git.tatikoma.dev/corpix/shelf/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProcess struct {
	mu    sync.Mutex
	kills int
	done  chan void
}

func (p *fakeProcess) Pid() int { return 1 }

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.kills == 0 {
		close(p.done)
	}
	p.kills++
	return nil
}

func (p *fakeProcess) Done() <-chan void { return p.done }

func (p *fakeProcess) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills == 0
}

type fakeSpawner struct {
	mu    sync.Mutex
	err   error
	procs []*fakeProcess
}

func (s *fakeSpawner) Spawn(ctx context.Context, name string) (worker.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := &fakeProcess{done: make(chan void)}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) alive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.procs {
		if p.alive() {
			n++
		}
	}
	return n
}

type fakeChannel struct {
	mu     sync.Mutex
	sent   []message.Message
	err    error
	closed bool
}

func (c *fakeChannel) Send(ctx context.Context, m message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, m)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) messages() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message.Message(nil), c.sent...)
}

func (c *fakeChannel) breakWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
}

func (d *fakeDialer) Dial(address string, endpointID string) (worker.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := &fakeChannel{}
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[len(d.channels)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []message.Message
}

func (p *recordingPublisher) Publish(m message.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, m)
}

func (p *recordingPublisher) kinds() []message.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]message.Kind, 0, len(p.events))
	for _, e := range p.events {
		kinds = append(kinds, e.Kind())
	}
	return kinds
}

type fixture struct {
	c       *Controller
	spawner *fakeSpawner
	dialer  *fakeDialer
	pub     *recordingPublisher
	metrics *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		spawner: &fakeSpawner{},
		dialer:  &fakeDialer{},
		pub:     &recordingPublisher{},
		metrics: metrics.New("test"),
	}
	f.c = New("svc1", f.spawner, f.dialer, f.pub,
		WithLogger(log.Nop()),
		WithMetrics(f.metrics),
		WithHandleOptions(worker.WithDisposeTimeout(100*time.Millisecond)),
	)
	t.Cleanup(f.c.Dispose)
	return f
}

// deliver posts a notification and waits until the loop processed it.
func (f *fixture) deliver(t *testing.T, m message.Message) {
	require.NoError(t, f.c.Deliver(m))
	require.True(t, f.c.exec(func() {}))
}

func (f *fixture) bound(t *testing.T) *fakeChannel {
	f.c.Create()
	f.deliver(t, message.WorkerCreated{Name: "svc1", Address: "x", EndpointID: "p1"})
	require.Equal(t, StateBound, f.c.State())
	return f.dialer.last()
}

func TestSpawnFailure(t *testing.T) {
	f := newFixture(t)
	f.spawner.err = errors.New("resource exhausted")

	f.c.Create()

	assert.Equal(t, StateUncreated, f.c.State())
	require.Len(t, f.pub.events, 1)
	assert.Equal(t, message.WorkerFault{Name: "svc1", Cause: "failed to spawn worker \"svc1\": resource exhausted"}, f.pub.events[0])

	f.spawner.err = nil
	f.c.Create()
	assert.Equal(t, StateCreated, f.c.State())
}

func TestStartAfterReadiness(t *testing.T) {
	f := newFixture(t)

	f.c.Create()
	assert.Equal(t, StateCreated, f.c.State())

	f.deliver(t, message.WorkerCreated{Name: "svc1", Address: "x", EndpointID: "p1"})
	assert.Equal(t, StateBound, f.c.State())

	f.c.Start()
	assert.Equal(t, []message.Message{message.StartService{Name: "svc1"}}, f.dialer.last().messages())
	assert.Empty(t, f.pub.kinds())
}

func TestLifecycleCommands(t *testing.T) {
	f := newFixture(t)
	ch := f.bound(t)

	f.c.Start()
	f.c.Pause()
	f.c.Continue()
	f.c.Stop()

	assert.Equal(t, []message.Message{
		message.StartService{Name: "svc1"},
		message.PauseService{Name: "svc1"},
		message.ContinueService{Name: "svc1"},
		message.StopService{Name: "svc1"},
	}, ch.messages())
	assert.Equal(t, StateBound, f.c.State())
}

func TestGracefulUnload(t *testing.T) {
	f := newFixture(t)
	ch := f.bound(t)

	f.c.Unload()
	assert.Equal(t, []message.Kind{message.KindWorkerUnloading}, f.pub.kinds())
	assert.Equal(t, StateUnloading, f.c.State())
	assert.Equal(t, []message.Message{message.UnloadService{Name: "svc1"}}, ch.messages())
	assert.Equal(t, 1, f.spawner.alive(), "handle must not be released before confirmation")

	f.deliver(t, message.WorkerUnloaded{Name: "svc1"})
	assert.Equal(t, StateUnloaded, f.c.State())
	assert.Equal(t, []message.Kind{message.KindWorkerUnloading, message.KindWorkerUnloaded}, f.pub.kinds())
	assert.Equal(t, 0, f.spawner.alive())
	assert.True(t, ch.closed)
}

func TestBrokenChannel(t *testing.T) {
	f := newFixture(t)
	ch := f.bound(t)
	ch.breakWith(errors.Chain(worker.ErrChannelBroken, errors.New("connection reset")))

	f.c.Start()
	assert.Equal(t, StateUnloaded, f.c.State())
	assert.Equal(t, []message.Kind{message.KindWorkerUnloaded}, f.pub.kinds())
	assert.Equal(t, 0, f.spawner.alive())

	// no further commands until a new Create
	f.c.Stop()
	f.c.Pause()
	assert.Equal(t, []message.Kind{message.KindWorkerUnloaded}, f.pub.kinds())

	f.c.Create()
	assert.Equal(t, StateCreated, f.c.State())
	assert.Equal(t, 1, f.spawner.alive())
}

func TestLateConfirmationAfterForcedUnload(t *testing.T) {
	f := newFixture(t)
	ch := f.bound(t)
	ch.breakWith(errors.Chain(worker.ErrChannelBroken, errors.New("connection reset")))

	f.c.Unload()
	assert.Equal(t, []message.Kind{message.KindWorkerUnloading, message.KindWorkerUnloaded}, f.pub.kinds())

	f.deliver(t, message.WorkerUnloaded{Name: "svc1"})
	assert.Equal(t, []message.Kind{message.KindWorkerUnloading, message.KindWorkerUnloaded}, f.pub.kinds())
	assert.Equal(t, StateUnloaded, f.c.State())
}

func TestUnloadWithoutWorker(t *testing.T) {
	f := newFixture(t)

	f.c.Unload()
	assert.Equal(t, []message.Kind{message.KindWorkerUnloading, message.KindWorkerUnloaded}, f.pub.kinds())
	assert.Equal(t, StateUnloaded, f.c.State())
	assert.Empty(t, f.spawner.procs)
	assert.Empty(t, f.dialer.channels)

	// repeated unload is reported again
	f.c.Unload()
	assert.Equal(t, []message.Kind{
		message.KindWorkerUnloading, message.KindWorkerUnloaded,
		message.KindWorkerUnloading, message.KindWorkerUnloaded,
	}, f.pub.kinds())
}

func TestStaleCommands(t *testing.T) {
	f := newFixture(t)

	f.c.Start()
	f.c.Stop()
	f.c.Pause()
	f.c.Continue()

	assert.Empty(t, f.spawner.procs)
	assert.Empty(t, f.dialer.channels)
	assert.Empty(t, f.pub.kinds())
	assert.Equal(t, StateUncreated, f.c.State())
}

func TestCommandBeforeReadiness(t *testing.T) {
	f := newFixture(t)
	f.c.Create()

	f.c.Start()
	assert.Empty(t, f.dialer.channels)
	assert.Empty(t, f.pub.kinds())
	assert.Equal(t, StateCreated, f.c.State())
}

func TestUnloadBeforeReadiness(t *testing.T) {
	f := newFixture(t)
	f.c.Create()

	f.c.Unload()
	assert.Equal(t, []message.Kind{message.KindWorkerUnloading, message.KindWorkerUnloaded}, f.pub.kinds())
	assert.Equal(t, StateUnloaded, f.c.State())
	assert.Equal(t, 0, f.spawner.alive())
}

func TestAtMostOneLiveWorker(t *testing.T) {
	f := newFixture(t)

	f.c.Create()
	f.c.Create()
	f.c.Create()
	assert.Len(t, f.spawner.procs, 1)
	assert.Equal(t, 1, f.spawner.alive())

	f.deliver(t, message.WorkerCreated{Name: "svc1", Address: "x", EndpointID: "p1"})
	f.c.Unload()
	f.c.Create()
	assert.Len(t, f.spawner.procs, 1, "create while unloading must not spawn")

	f.deliver(t, message.WorkerUnloaded{Name: "svc1"})
	f.c.Create()
	assert.Len(t, f.spawner.procs, 2)
	assert.Equal(t, 1, f.spawner.alive())
}

func TestIgnoredNotifications(t *testing.T) {
	f := newFixture(t)

	f.deliver(t, message.WorkerCreated{Name: "svc1", Address: "x", EndpointID: "p1"})
	f.deliver(t, message.WorkerUnloaded{Name: "svc1"})
	assert.Empty(t, f.dialer.channels)
	assert.Empty(t, f.pub.kinds())
	assert.Equal(t, StateUncreated, f.c.State())

	f.bound(t)
	f.deliver(t, message.WorkerCreated{Name: "svc1", Address: "y", EndpointID: "p2"})
	assert.Len(t, f.dialer.channels, 1)

	assert.True(t, errors.Is(f.c.Deliver(message.StartService{Name: "svc1"}), ErrNotNotification))
}

func TestDispose(t *testing.T) {
	f := newFixture(t)
	ch := f.bound(t)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.c.Dispose()
		}()
	}
	wg.Wait()
	f.c.Dispose()

	assert.Equal(t, StateDisposed, f.c.State())
	assert.Equal(t, 0, f.spawner.alive())
	assert.True(t, ch.closed)

	// everything is a no-op now
	f.c.Create()
	f.c.Start()
	f.c.Unload()
	assert.Len(t, f.spawner.procs, 1)
	assert.Empty(t, f.pub.kinds())
	assert.True(t, errors.Is(f.c.Deliver(message.WorkerUnloaded{Name: "svc1"}), mailbox.ErrClosed))
}

func TestDisposeWithoutWorker(t *testing.T) {
	f := newFixture(t)
	f.c.Dispose()
	f.c.Dispose()
	assert.Equal(t, StateDisposed, f.c.State())
}

func TestParentContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	spawner := &fakeSpawner{}
	c := New("svc1", spawner, &fakeDialer{}, &recordingPublisher{},
		WithContext(ctx),
		WithLogger(log.Nop()),
	)
	c.Create()
	require.Equal(t, 1, spawner.alive())

	cancel()
	<-c.loopDone
	c.Start()

	c.Dispose()
	assert.Equal(t, StateDisposed, c.State())
	assert.Equal(t, 0, spawner.alive())
}
