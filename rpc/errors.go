package rpc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"git.tatikoma.dev/corpix/shelf/errors"
)

func ErrIsInvalidArgument(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.InvalidArgument
}

// ErrIsPeerGone reports whether err means the other side of the socket
// disappeared: nothing listens on it anymore or it was reset mid call.
func ErrIsPeerGone(err error) bool {
	return errors.IsUnavailable(err)
}
