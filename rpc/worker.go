package rpc

import (
	"context"

	"google.golang.org/grpc"

	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/log"
	"git.tatikoma.dev/corpix/shelf/message"
	"git.tatikoma.dev/corpix/shelf/worker"
)

const (
	WorkerServiceName   = "shelf.Worker"
	WorkerCommandMethod = "/" + WorkerServiceName + "/Command"
)

// WorkerServer is implemented by the isolated worker, it receives commands
// from the supervisor.
type WorkerServer interface {
	Command(ctx context.Context, e *message.Envelope) (*message.Ack, error)
}

func workerCommandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(message.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).Command(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: WorkerCommandMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).Command(ctx, req.(*message.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

var WorkerServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkerServiceName,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Command",
			Handler:    workerCommandHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shelf/worker",
}

func RegisterWorkerServer(s grpc.ServiceRegistrar, srv WorkerServer) {
	s.RegisterService(&WorkerServiceDesc, srv)
}

// Channel sends commands to a worker over its unix socket.
type Channel struct {
	conn *grpc.ClientConn
}

func (c *Channel) Send(ctx context.Context, m message.Message) error {
	err := c.conn.Invoke(ctx, WorkerCommandMethod, message.ToEnvelope(m), &message.Ack{})
	if err != nil {
		if ErrIsPeerGone(err) {
			return errors.Chain(worker.ErrChannelBroken, err)
		}
		return err
	}
	return nil
}

func (c *Channel) Close() error {
	return c.conn.Close()
}

// Dialer opens Channels to workers, it is the rpc implementation of
// worker.Dialer.
type Dialer struct {
	Logger log.Logger
}

func (d Dialer) Dial(address string, endpointID string) (worker.Channel, error) {
	conn, err := NewClientConn(d.Logger, Target(address, endpointID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create worker client")
	}
	return &Channel{conn: conn}, nil
}

var (
	_ worker.Channel = new(Channel)
	_ worker.Dialer  = Dialer{}
)
