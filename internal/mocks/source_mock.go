package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockArtifactSource is a mock implementation of the ArtifactSource interface
type MockArtifactSource struct {
	mock.Mock
}

func (m *MockArtifactSource) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	args := m.Called(ctx, url)
	body, _ := args.Get(0).(io.ReadCloser)
	return body, args.Get(1).(int64), args.Error(2)
}
