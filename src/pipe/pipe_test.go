package pipe

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ix86kernel/src/proc"
)

func TestWriteThenReadPreservesOrder(t *testing.T) {
	p := New()
	n, err := p.Write([]byte("hello"))
	require.Zero(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = p.Read(buf)
	require.Zero(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestReadEmptyWithWriterRestarts(t *testing.T) {
	p := New()
	buf := make([]byte, 4)
	n, err := p.Read(buf)
	require.Zero(t, err)
	require.Equal(t, int(proc.SyscallRestart), n)
}

func TestReadEmptyNoWritersIsEOF(t *testing.T) {
	p := New()
	p.CloseWrite()
	buf := make([]byte, 4)
	n, err := p.Read(buf)
	require.Zero(t, err)
	require.Equal(t, 0, n)
}

func TestWriteNoReadersIsBrokenPipe(t *testing.T) {
	p := New()
	p.CloseRead()
	n, err := p.Write([]byte("x"))
	require.Equal(t, -1, n)
	require.NotZero(t, err)
}

func TestWriteFullRestarts(t *testing.T) {
	p := New()
	full := make([]byte, BufferSize)
	n, err := p.Write(full)
	require.Zero(t, err)
	require.Equal(t, BufferSize, n)

	n, err = p.Write([]byte("x"))
	require.Zero(t, err)
	require.Equal(t, int(proc.SyscallRestart), n)
}

func TestPipeDeadOnlyWhenBothEndsClosed(t *testing.T) {
	p := New()
	require.False(t, p.Dead())
	p.CloseRead()
	require.False(t, p.Dead())
	p.CloseWrite()
	require.True(t, p.Dead())
}
