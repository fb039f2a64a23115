package recovery_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/cosync/pkg/adapters/memory"
	"github.com/aretw0/cosync/pkg/core"
	"github.com/aretw0/cosync/pkg/recovery"
)

type mockApplier struct {
	mock.Mock
}

func (m *mockApplier) CreateFile(ctx context.Context, a core.FileActivity) error {
	return m.Called(ctx, a).Error(0)
}

func (m *mockApplier) RemoveFile(ctx context.Context, a core.FileActivity) error {
	return m.Called(ctx, a).Error(0)
}

type panickingApplier struct{}

func (panickingApplier) CreateFile(context.Context, core.FileActivity) error { panic("boom") }
func (panickingApplier) RemoveFile(context.Context, core.FileActivity) error { panic("boom") }

func TestCoordinator_ResetsExactlyOnce(t *testing.T) {
	failure := errors.New("io failure")
	tests := []struct {
		name    string
		typ     core.FileType
		method  string
		err     error
		wantErr bool
	}{
		{name: "create succeeds", typ: core.FileCreated, method: "CreateFile"},
		{name: "create fails", typ: core.FileCreated, method: "CreateFile", err: failure, wantErr: true},
		{name: "remove succeeds", typ: core.FileRemoved, method: "RemoveFile"},
		{name: "remove fails", typ: core.FileRemoved, method: "RemoveFile", err: failure, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transform := memory.NewTransform()
			c := recovery.NewCoordinator(transform, nil)
			a := core.NewFileRecovery("host", "doc.txt", tt.typ, []byte("x"))

			applier := &mockApplier{}
			applier.On(tt.method, mock.Anything, a).Return(tt.err).Once()

			err := c.Recover(context.Background(), a, applier)
			if tt.wantErr {
				assert.ErrorIs(t, err, failure)
			} else {
				assert.NoError(t, err)
			}
			applier.AssertExpectations(t)
			assert.Equal(t, 1, transform.Resets("doc.txt"))
		})
	}
}

func TestCoordinator_UnsupportedTypeIsOnlyReset(t *testing.T) {
	transform := memory.NewTransform()
	c := recovery.NewCoordinator(transform, nil)
	applier := &mockApplier{}

	err := c.Recover(context.Background(), core.NewFileRecovery("host", "doc.txt", core.FileMoved, nil), applier)
	require.NoError(t, err)
	applier.AssertNotCalled(t, "CreateFile", mock.Anything, mock.Anything)
	applier.AssertNotCalled(t, "RemoveFile", mock.Anything, mock.Anything)
	assert.Equal(t, 1, transform.Resets("doc.txt"))
}

func TestCoordinator_ResetsOnPanic(t *testing.T) {
	transform := memory.NewTransform()
	c := recovery.NewCoordinator(transform, nil)

	assert.Panics(t, func() {
		_ = c.Recover(context.Background(), core.NewFileRecovery("host", "doc.txt", core.FileCreated, nil), panickingApplier{})
	})
	assert.Equal(t, 1, transform.Resets("doc.txt"))
}
