package rpc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/log"
	"git.tatikoma.dev/corpix/shelf/message"
	"git.tatikoma.dev/corpix/shelf/worker"
)

type recordingWorker struct {
	mu       sync.Mutex
	received []*message.Envelope
}

func (w *recordingWorker) Command(ctx context.Context, e *message.Envelope) (*message.Ack, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.received = append(w.received, e)
	return &message.Ack{}, nil
}

type recordingSink struct {
	mu       sync.Mutex
	received []message.Message
	err      error
}

func (s *recordingSink) Deliver(m message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.received = append(s.received, m)
	return nil
}

func socketDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "shelf")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func serve(t *testing.T, path string, register func(*grpc.Server)) *grpc.Server {
	lis, err := net.Listen("unix", path)
	require.NoError(t, err)

	srv := NewServer(log.Nop())
	register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return srv
}

func TestTarget(t *testing.T) {
	assert.Equal(t, "unix:///run/shelf/p1.sock", Target("/run/shelf", "p1.sock"))
}

func TestWorkerChannel(t *testing.T) {
	dir := socketDir(t)
	w := &recordingWorker{}
	srv := serve(t, filepath.Join(dir, "p1.sock"), func(s *grpc.Server) {
		RegisterWorkerServer(s, w)
	})

	ch, err := Dialer{Logger: log.Nop()}.Dial(dir, "p1.sock")
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ch.Send(ctx, message.StartService{Name: "svc1"}))

	w.mu.Lock()
	require.Len(t, w.received, 1)
	assert.Equal(t, "start_service", w.received[0].Kind)
	assert.Equal(t, "svc1", w.received[0].Name)
	w.mu.Unlock()

	srv.Stop()

	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = ch.Send(ctx, message.StopService{Name: "svc1"})
	assert.True(t, errors.Is(err, worker.ErrChannelBroken), "got %v", err)
}

func TestWorkerChannelNoPeer(t *testing.T) {
	dir := socketDir(t)
	ch, err := Dialer{Logger: log.Nop()}.Dial(dir, "missing.sock")
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = ch.Send(ctx, message.StartService{Name: "svc1"})
	assert.True(t, errors.Is(err, worker.ErrChannelBroken), "got %v", err)
}

func TestInbox(t *testing.T) {
	dir := socketDir(t)
	inbox := NewInbox()
	sink := &recordingSink{}
	inbox.Register("svc1", sink)
	serve(t, filepath.Join(dir, "inbox.sock"), func(s *grpc.Server) {
		RegisterInboxServer(s, inbox)
	})

	client, err := DialInbox(log.Nop(), Target(dir, "inbox.sock"))
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	created := message.WorkerCreated{Name: "svc1", Address: dir, EndpointID: "p1.sock"}
	require.NoError(t, client.Notify(ctx, created))
	require.NoError(t, client.Notify(ctx, message.WorkerUnloaded{Name: "svc1"}))

	err = client.Notify(ctx, message.StartService{Name: "svc1"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = client.Notify(ctx, message.WorkerUnloaded{Name: "svc2"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = client.Notify(ctx, message.WorkerUnloaded{Name: ""})
	assert.True(t, ErrIsInvalidArgument(err))

	sink.mu.Lock()
	assert.Equal(t, []message.Message{created, message.WorkerUnloaded{Name: "svc1"}}, sink.received)
	sink.err = errors.New("disposed")
	sink.mu.Unlock()

	err = client.Notify(ctx, message.WorkerUnloaded{Name: "svc1"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	inbox.Unregister("svc1")
	err = client.Notify(ctx, message.WorkerUnloaded{Name: "svc1"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}
