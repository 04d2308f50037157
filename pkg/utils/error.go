package utils

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrBadRequest        = fmt.Errorf("Bad request")
	ErrConfig            = fmt.Errorf("Configuration error")
	ErrDuplicateWorker   = fmt.Errorf("A worker with this name is already connected")
	ErrLeaseLost         = fmt.Errorf("Claim lease lost")
	ErrNoEligibleWorker  = fmt.Errorf("No eligible worker available")
	ErrNotFound          = fmt.Errorf("Not found")
	ErrParse             = fmt.Errorf("Parse error")
	ErrTerminalBuild     = fmt.Errorf("Build is terminal")
	ErrUnknownBuilder    = fmt.Errorf("Unknown builder")
	ErrUnknownLock       = fmt.Errorf("Unknown lock")
	ErrWorkerUnavailable = fmt.Errorf("Worker connection unavailable")
)

type DetailedError interface {
	error
	Details() string
}

// Convert errors to errors with grpc status codes
func GrpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrParse), errors.Is(err, ErrConfig),
		errors.Is(err, ErrUnknownBuilder), errors.Is(err, ErrUnknownLock):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrDuplicateWorker):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, ErrNoEligibleWorker), errors.Is(err, ErrWorkerUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ErrTerminalBuild), errors.Is(err, ErrLeaseLost):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
