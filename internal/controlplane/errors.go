package controlplane

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/antonkrylov/devbox/internal/devbox"
)

// kindForCode maps a gRPC status code onto the error taxonomy the session
// core retries on.
func kindForCode(code codes.Code) devbox.Kind {
	switch code {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.DeadlineExceeded:
		return devbox.KindTransient
	case codes.NotFound:
		return devbox.KindNotFound
	default:
		return devbox.KindPermanent
	}
}

// classify converts an RPC error into a *devbox.Error. The caller's own
// cancellation wins over whatever code the transport reported.
func classify(ctx context.Context, op, devboxID string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return devbox.FromContext(op, devboxID, ctxErr)
	}
	st, ok := status.FromError(err)
	if !ok {
		return devbox.E(devbox.KindPermanent, op, devboxID, err)
	}
	return devbox.E(kindForCode(st.Code()), op, devboxID, err)
}
