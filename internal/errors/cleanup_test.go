package errors

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type mockHandle struct {
	closeErr error
	closed   bool
}

func (m *mockHandle) Close() error {
	m.closed = true
	return m.closeErr
}

func TestDeferClose(t *testing.T) {
	tests := []struct {
		name       string
		closer     io.Closer
		wantLogged bool
	}{
		{name: "nil closer"},
		{name: "successful close", closer: &mockHandle{}},
		{name: "close with error", closer: &mockHandle{closeErr: errors.New("handle already released")}, wantLogged: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)

			DeferClose(logger, tt.closer, "close thread handle")

			if tt.closer != nil {
				assert.True(t, tt.closer.(*mockHandle).closed, "Close() was not called")
			}
			assert.Equal(t, tt.wantLogged, buf.Len() > 0)
		})
	}
}

func TestBestEffort(t *testing.T) {
	t.Run("nil step", func(t *testing.T) {
		var buf bytes.Buffer
		assert.True(t, BestEffort(zerolog.New(&buf), "restore", nil))
		assert.Zero(t, buf.Len())
	})

	t.Run("successful step", func(t *testing.T) {
		var buf bytes.Buffer
		called := false
		ok := BestEffort(zerolog.New(&buf), "restore", func() error {
			called = true
			return nil
		})
		assert.True(t, ok)
		assert.True(t, called)
		assert.Zero(t, buf.Len())
	})

	t.Run("failing step is logged", func(t *testing.T) {
		var buf bytes.Buffer
		ok := BestEffort(zerolog.New(&buf), "rollback dr7", func() error {
			return errors.New("thread gone")
		})
		assert.False(t, ok)
		assert.Contains(t, buf.String(), "rollback dr7")
		assert.Contains(t, buf.String(), "thread gone")
	})
}
