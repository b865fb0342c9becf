package backup

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"

	"github.com/maxpoletaev/vstore/internal/grpcutil"
	"github.com/maxpoletaev/vstore/storage"
)

type operation string

const (
	opPull operation = "pull"
	opPush operation = "push"
)

// unknownVersion is used as the actual version of conflicts reported by the
// transport without the current version of the service.
const unknownVersion = ^uint64(0)

// translate converts a transport error into the store error taxonomy. The
// result never wraps err itself, only its text.
func translate(op operation, key storage.Key, hint uint64, err error) error {
	var (
		mismatch *MismatchError
		sendErr  *SendError
	)

	switch {
	case errors.As(err, &mismatch):
		return &storage.VersionConflictError{Key: key, Expected: hint, Actual: mismatch.Current}

	case errors.As(err, &sendErr):
		if sendErr.Sent && op == opPush {
			return storage.ErrAmbiguous.Describef("%s %s: %v", op, key, err)
		}

		return storage.ErrUnavailable.Describef("%s %s: %v", op, key, err)

	case grpcutil.IsStatus(err):
		return translateStatus(op, key, hint, err)

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// Without a send marker the outcome is unknown to the transport as
		// well, so the request is treated as never applied.
		return storage.ErrUnavailable.Describef("%s %s: %v", op, key, err)
	}

	return storage.ErrInternal.Describef("%s %s: %v", op, key, err)
}

func translateStatus(op operation, key storage.Key, hint uint64, err error) error {
	switch grpcutil.ErrorCode(err) {
	case codes.Unavailable, codes.ResourceExhausted:
		return storage.ErrUnavailable.Describef("%s %s: %v", op, key, err)

	case codes.DeadlineExceeded, codes.Canceled:
		if op == opPush {
			return storage.ErrAmbiguous.Describef("%s %s: %v", op, key, err)
		}

		return storage.ErrUnavailable.Describef("%s %s: %v", op, key, err)

	case codes.FailedPrecondition, codes.Aborted, codes.AlreadyExists:
		actual, ok := grpcutil.CurrentVersion(err)
		if !ok {
			actual = unknownVersion
		}

		return &storage.VersionConflictError{Key: key, Expected: hint, Actual: actual}

	case codes.NotFound:
		if op == opPull {
			return storage.ErrNotFound
		}
	}

	return storage.ErrInternal.Describef("%s %s: %v", op, key, err)
}
