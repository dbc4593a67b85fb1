package utils

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrBadRequest   = fmt.Errorf("Bad request")
	ErrNotFound     = fmt.Errorf("Not found")
	ErrShutdown     = fmt.Errorf("Shutting down")
	ErrInvalidState = fmt.Errorf("Invalid state")
	ErrTerminalTask = fmt.Errorf("Task is terminal")
)

type DetailedError interface {
	error
	Details() string
}

// Convert errors to errors with grpc status codes
func GrpcError(err error) error {
	switch err {
	case ErrBadRequest:
		return status.Errorf(codes.InvalidArgument, "%s", err.Error())
	case ErrNotFound:
		return status.Errorf(codes.NotFound, "%s", err.Error())
	case ErrShutdown:
		return status.Errorf(codes.Unavailable, "%s", err.Error())
	case ErrInvalidState:
		return status.Errorf(codes.FailedPrecondition, "%s", err.Error())
	case ErrTerminalTask:
		return status.Errorf(codes.FailedPrecondition, "%s", err.Error())
	}
	return err
}
