package stream

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChanTransport_Write(t *testing.T) {
	t.Run("delivers frames in order", func(t *testing.T) {
		tr := NewChanTransport(2)
		defer tr.Close()

		require.NoError(t, tr.Write(HeartbeatFrame()))
		require.NoError(t, tr.Write(CloseFrame()))

		f := <-tr.Frames()
		assert.Equal(t, FrameHeartbeat, f.Kind)
		f = <-tr.Frames()
		assert.Equal(t, FrameClose, f.Kind)
	})

	t.Run("full buffer fails instead of blocking", func(t *testing.T) {
		tr := NewChanTransport(1)
		defer tr.Close()

		require.NoError(t, tr.Write(HeartbeatFrame()))
		err := tr.Write(HeartbeatFrame())
		assert.ErrorIs(t, err, ErrSlowConsumer)
	})

	t.Run("write after close fails", func(t *testing.T) {
		tr := NewChanTransport(1)
		require.NoError(t, tr.Close())

		err := tr.Write(HeartbeatFrame())
		assert.ErrorIs(t, err, ErrTransportClosed)
	})

	t.Run("zero buffer is bumped to one", func(t *testing.T) {
		tr := NewChanTransport(0)
		defer tr.Close()

		assert.NoError(t, tr.Write(HeartbeatFrame()))
	})
}

func TestChanTransport_Close(t *testing.T) {
	t.Run("closes the frame channel", func(t *testing.T) {
		tr := NewChanTransport(1)
		require.NoError(t, tr.Close())

		_, ok := <-tr.Frames()
		assert.False(t, ok)
	})

	t.Run("idempotent", func(t *testing.T) {
		tr := NewChanTransport(1)
		require.NoError(t, tr.Close())
		require.NoError(t, tr.Close())
	})

	t.Run("safe concurrently with writes", func(t *testing.T) {
		tr := NewChanTransport(4)

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					_ = tr.Write(HeartbeatFrame())
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.Close()
		}()
		wg.Wait()
	})
}
