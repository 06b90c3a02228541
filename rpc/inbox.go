package rpc

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/log"
	"git.tatikoma.dev/corpix/shelf/message"
)

const (
	InboxServiceName  = "shelf.Inbox"
	InboxNotifyMethod = "/" + InboxServiceName + "/Notify"
)

// InboxServer is implemented by the supervisor, it receives lifecycle
// notifications from workers.
type InboxServer interface {
	Notify(ctx context.Context, e *message.Envelope) (*message.Ack, error)
}

func inboxNotifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(message.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InboxServer).Notify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: InboxNotifyMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InboxServer).Notify(ctx, req.(*message.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

var InboxServiceDesc = grpc.ServiceDesc{
	ServiceName: InboxServiceName,
	HandlerType: (*InboxServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Notify",
			Handler:    inboxNotifyHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shelf/inbox",
}

func RegisterInboxServer(s grpc.ServiceRegistrar, srv InboxServer) {
	s.RegisterService(&InboxServiceDesc, srv)
}

// Sink accepts notifications for one service, usually a controller mailbox.
type Sink interface {
	Deliver(m message.Message) error
}

// Inbox routes worker notifications to the sink registered for the service
// name they carry. Anything but WorkerCreated and WorkerUnloaded is rejected.
type Inbox struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

func (i *Inbox) Register(name string, sink Sink) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sinks[name] = sink
}

func (i *Inbox) Unregister(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.sinks, name)
}

func (i *Inbox) Notify(ctx context.Context, e *message.Envelope) (*message.Ack, error) {
	m, err := message.FromEnvelope(e)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if !message.IsNotification(m.Kind()) {
		return nil, status.Errorf(codes.InvalidArgument, "inbox does not accept %s", m.Kind())
	}

	i.mu.RLock()
	sink, ok := i.sinks[m.Service()]
	i.mu.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no controller for service %q", m.Service())
	}

	err = sink.Deliver(m)
	if err != nil {
		return nil, errors.RpcCodeCtx(ctx, err, codes.FailedPrecondition,
			"controller for service %q does not accept notifications", m.Service())
	}
	return &message.Ack{}, nil
}

func NewInbox() *Inbox {
	return &Inbox{sinks: map[string]Sink{}}
}

// InboxClient is used by workers to notify the supervisor.
type InboxClient struct {
	conn *grpc.ClientConn
}

func (c *InboxClient) Notify(ctx context.Context, m message.Message) error {
	return c.conn.Invoke(ctx, InboxNotifyMethod, message.ToEnvelope(m), &message.Ack{})
}

func (c *InboxClient) Close() error {
	return c.conn.Close()
}

func DialInbox(l log.Logger, target string) (*InboxClient, error) {
	conn, err := NewClientConn(l, target)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create inbox client for %q", target)
	}
	return &InboxClient{conn: conn}, nil
}

var _ InboxServer = new(Inbox)
