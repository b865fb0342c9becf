package grpcutil

import (
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// ReasonVersionMismatch is the ErrorInfo reason of writes rejected by
	// the version check of a backup service.
	ReasonVersionMismatch = "VERSION_MISMATCH"

	// VersionKey is the ErrorInfo metadata key with the current version.
	VersionKey = "current_version"
)

// ErrorCode extracts a gRPC error code from an error. If the error is not a
// gRPC error, it returns codes.Unknown.
func ErrorCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}

	if st, ok := status.FromError(err); ok {
		return st.Code()
	}

	return codes.Unknown
}

// IsStatus reports whether err carries a gRPC status, directly or wrapped.
func IsStatus(err error) bool {
	if err == nil {
		return false
	}

	_, ok := status.FromError(err)

	return ok
}

// ErrorInfo extracts an error info from an error. If the error is not a gRPC
// error or does not contain an error info, it returns nil.
func ErrorInfo(err error) *errdetails.ErrorInfo {
	st, ok := status.FromError(err)
	if !ok {
		return nil
	}

	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok {
			return info
		}
	}

	return nil
}

// CurrentVersion returns the version reported by a version mismatch error.
func CurrentVersion(err error) (uint64, bool) {
	info := ErrorInfo(err)
	if info == nil || info.Reason != ReasonVersionMismatch {
		return 0, false
	}

	v, perr := strconv.ParseUint(info.Metadata[VersionKey], 10, 64)
	if perr != nil {
		return 0, false
	}

	return v, true
}

// VersionMismatch builds the status error a service returns when a write is
// rejected because the record is at version current.
func VersionMismatch(current uint64) error {
	st := status.New(codes.FailedPrecondition, "version mismatch")

	withInfo, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   ReasonVersionMismatch,
		Metadata: map[string]string{VersionKey: strconv.FormatUint(current, 10)},
	})
	if err != nil {
		return st.Err()
	}

	return withInfo.Err()
}
