package rpc

import (
	"context"

	"google.golang.org/grpc"
)

type defaults interface {
	Default()
}

func DefaultsUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if defaultable, ok := req.(defaults); ok {
			defaultable.Default()
		}
		return handler(ctx, req)
	}
}
