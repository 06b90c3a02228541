package rpc

import (
	"path/filepath"

	grpclog "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"git.tatikoma.dev/corpix/shelf/log"
)

// Target returns the grpc target of a unix socket named endpointID in the
// directory address.
func Target(address string, endpointID string) string {
	path, err := filepath.Abs(filepath.Join(address, endpointID))
	if err != nil {
		path = filepath.Join(address, endpointID)
	}
	return "unix://" + path
}

// NewClientConn connects lazily, calls made while the peer is unreachable
// fail fast with codes.Unavailable instead of waiting for it.
func NewClientConn(l log.Logger, target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(
		target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDisableServiceConfig(),
		grpc.WithChainUnaryInterceptor(grpclog.UnaryClientInterceptor(
			LoggerInterceptor(l),
			grpclog.WithLogOnEvents(grpclog.StartCall, grpclog.FinishCall),
		)),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.WaitForReady(false),
		),
	)
}
