package ipc

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	aRead, bWrite := io.Pipe()
	bRead, aWrite := io.Pipe()
	a := NewConn(aRead, aWrite)
	b := NewConn(bRead, bWrite)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestSendReceiveRoundTrip(t *testing.T) {
	a, b := pipePair(t)

	env, err := NewEnvelope(TypeHealthResponse, "bot-0", HealthPayload{
		UptimeSeconds: 12.5,
		MemBytes:      1024,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := b.Receive()
		assert.NoError(t, err)
		assert.Equal(t, TypeHealthResponse, got.Type)
		assert.Equal(t, "bot-0", got.BotID)

		var health HealthPayload
		assert.NoError(t, got.DecodePayload(&health))
		assert.Equal(t, 12.5, health.UptimeSeconds)
		assert.Equal(t, uint64(1024), health.MemBytes)
	}()

	require.NoError(t, a.Send(env))
	<-done
}

func TestReceiveEOFOnClose(t *testing.T) {
	aRead, bWrite := io.Pipe()
	bRead, aWrite := io.Pipe()
	a := NewConn(aRead, aWrite)
	b := NewConn(bRead, bWrite)
	defer b.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := b.Receive()
		errc <- err
	}()

	require.NoError(t, a.Close())
	assert.Error(t, <-errc)
}

func TestEnvelopeWithoutPayload(t *testing.T) {
	a, b := pipePair(t)

	env, err := NewEnvelope(TypeShutdown, "bot-1", nil)
	require.NoError(t, err)

	go func() {
		_ = a.Send(env)
	}()

	got, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, TypeShutdown, got.Type)
	assert.Error(t, got.DecodePayload(&struct{}{}))
}

func TestMultipleFramesInOrder(t *testing.T) {
	a, b := pipePair(t)

	go func() {
		for i := 0; i < 5; i++ {
			env, _ := NewEnvelope(TypeLogMessage, "bot-0", LogPayload{Message: string(rune('a' + i))})
			_ = a.Send(env)
		}
	}()

	for i := 0; i < 5; i++ {
		got, err := b.Receive()
		require.NoError(t, err)
		var lp LogPayload
		require.NoError(t, got.DecodePayload(&lp))
		assert.Equal(t, string(rune('a'+i)), lp.Message)
	}
}
