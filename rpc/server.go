package rpc

import (
	grpclog "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"google.golang.org/grpc"

	"git.tatikoma.dev/corpix/shelf/log"
)

// NewServer builds a grpc server for unix socket endpoints.
// Sockets are local to the host and protected by file permissions,
// so no transport credentials are configured.
func NewServer(l log.Logger, opts ...grpc.ServerOption) *grpc.Server {
	logger := LoggerInterceptor(l)
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpclog.UnaryServerInterceptor(logger),
			DefaultsUnaryServerInterceptor(),
			ValidationUnaryServerInterceptor(),
		),
	}, opts...)
	return grpc.NewServer(opts...)
}
