package utils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestGrpcError(t *testing.T) {
	assert.Nil(t, GrpcError(nil))
	assert.Equal(t, codes.NotFound, status.Code(GrpcError(ErrNotFound)))
	assert.Equal(t, codes.NotFound, status.Code(GrpcError(fmt.Errorf("build 12: %w", ErrNotFound))))
	assert.Equal(t, codes.AlreadyExists, status.Code(GrpcError(ErrDuplicateWorker)))
	assert.Equal(t, codes.InvalidArgument, status.Code(GrpcError(ErrUnknownLock)))
	assert.Equal(t, codes.Internal, status.Code(GrpcError(fmt.Errorf("disk on fire"))))

	already := status.Error(codes.Canceled, "gone")
	assert.Equal(t, already, GrpcError(already))
}
