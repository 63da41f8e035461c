package rpc

import (
	"errors"
	"strconv"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/storage"
)

const (
	// ReasonMorePassesRequired marks an ErrorInfo detail carrying a
	// storage.MorePassesRequiredError.
	ReasonMorePassesRequired = "MORE_PASSES_REQUIRED"
	errorDomain              = "zkap.storage"
)

var errUnsupportedVersion = status.Error(codes.InvalidArgument, "unsupported request version")

// toStatus maps gateway errors onto gRPC statuses. The second result
// reports whether the error is unexpected and should be logged.
func toStatus(err error) (error, bool) {
	var mpr *storage.MorePassesRequiredError
	switch {
	case errors.As(err, &mpr):
		return morePassesStatus(mpr), false
	case errors.Is(err, storage.ErrTooManyPasses),
		errors.Is(err, storage.ErrShareTooLarge),
		errors.Is(err, storage.ErrWriteOutOfBounds),
		errors.Is(err, storage.ErrUnsupportedOp):
		return status.Error(codes.InvalidArgument, err.Error()), false
	case errors.Is(err, storage.ErrNoSuchShare), errors.Is(err, storage.ErrNoSuchStorageIndex):
		return status.Error(codes.NotFound, err.Error()), false
	case errors.Is(err, storage.ErrShareClosed):
		return status.Error(codes.FailedPrecondition, err.Error()), false
	case errors.Is(err, storage.ErrBadWriteEnabler):
		return status.Error(codes.PermissionDenied, err.Error()), false
	case errors.Is(err, storage.ErrNoSpace):
		return status.Error(codes.ResourceExhausted, err.Error()), false
	default:
		return status.Error(codes.Internal, "internal"), true
	}
}

func morePassesStatus(e *storage.MorePassesRequiredError) error {
	failed := make([]byte, 0, 4*len(e.SignatureCheckFailed))
	for i, idx := range e.SignatureCheckFailed {
		if i > 0 {
			failed = append(failed, ',')
		}
		failed = strconv.AppendInt(failed, int64(idx), 10)
	}
	st := status.New(codes.PermissionDenied, e.Error())
	withDetails, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason: ReasonMorePassesRequired,
		Domain: errorDomain,
		Metadata: map[string]string{
			"valid_count":            strconv.Itoa(e.Valid),
			"required_count":         strconv.Itoa(e.Required),
			"signature_check_failed": string(failed),
		},
	})
	if err != nil {
		return st.Err()
	}
	return withDetails.Err()
}

// MorePassesRequired extracts the pass rejection carried by a gRPC error.
func MorePassesRequired(err error) (*storage.MorePassesRequiredError, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.PermissionDenied {
		return nil, false
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetReason() != ReasonMorePassesRequired {
			continue
		}
		md := info.GetMetadata()
		valid, _ := strconv.Atoi(md["valid_count"])
		required, _ := strconv.Atoi(md["required_count"])
		e := &storage.MorePassesRequiredError{Valid: valid, Required: required}
		for _, s := range strings.Split(md["signature_check_failed"], ",") {
			if idx, err := strconv.Atoi(s); err == nil {
				e.SignatureCheckFailed = append(e.SignatureCheckFailed, idx)
			}
		}
		return e, true
	}
	return nil, false
}
