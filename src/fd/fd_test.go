package fd

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ix86kernel/src/fdops"
	"ix86kernel/src/pipe"
)

type fakeTerminal struct {
	in  []byte
	out []byte
}

func (f *fakeTerminal) Read(buf []byte) (int, error) {
	n := copy(buf, f.in)
	f.in = f.in[n:]
	return n, nil
}
func (f *fakeTerminal) Write(buf []byte) (int, error) {
	f.out = append(f.out, buf...)
	return len(buf), nil
}
func (f *fakeTerminal) SetCursor(x, y int) error { return nil }
func (f *fakeTerminal) SetColor(fg, bg int) error { return nil }
func (f *fakeTerminal) Clear() error               { return nil }

func TestInitProcessStdioSlots(t *testing.T) {
	InitStdio(&fakeTerminal{})
	var fds [16]fdops.Fd_t
	InitProcessStdio(&fds)
	require.True(t, fds[0].Valid)
	require.True(t, fds[1].Valid)
	require.True(t, fds[2].Valid)
	require.Same(t, fds[1].Fops, fds[2].Fops, "stdout and stderr share the write singleton")
}

func TestAllocLowestFree(t *testing.T) {
	var fds [16]fdops.Fd_t
	InitStdio(&fakeTerminal{})
	InitProcessStdio(&fds)

	p := pipe.New()
	r, w := NewPipeEnds(p)
	n, err := Alloc(&fds, r.Fops)
	require.Zero(t, err)
	require.Equal(t, 3, n)

	n2, err := Alloc(&fds, w.Fops)
	require.Zero(t, err)
	require.Equal(t, 4, n2)
}

func TestDup2ClosesOldAndShares(t *testing.T) {
	var fds [16]fdops.Fd_t
	InitStdio(&fakeTerminal{})
	InitProcessStdio(&fds)

	p := pipe.New()
	r, _ := NewPipeEnds(p)
	fds[3] = r

	require.Zero(t, Dup2(&fds, 0, 3))
	require.True(t, fds[3].Valid)
	require.Same(t, fds[0].Fops, fds[3].Fops, "fd 3 now shares fd 0's description")
	n, _ := p.Write([]byte("x"))
	require.Equal(t, -1, n, "the pipe's only read end was closed")
}

func TestDup2SameFdIsNoop(t *testing.T) {
	var fds [16]fdops.Fd_t
	InitStdio(&fakeTerminal{})
	InitProcessStdio(&fds)
	require.Zero(t, Dup2(&fds, 1, 1))
}

func TestCloseFreesSlot(t *testing.T) {
	var fds [16]fdops.Fd_t
	InitStdio(&fakeTerminal{})
	InitProcessStdio(&fds)
	require.Zero(t, Close(&fds, 2))
	require.False(t, fds[2].Valid)
}

func TestAllocFailsWhenFull(t *testing.T) {
	var fds [16]fdops.Fd_t
	InitStdio(&fakeTerminal{})
	p := pipe.New()
	r, _ := NewPipeEnds(p)
	for i := 0; i < 16; i++ {
		_, err := Alloc(&fds, r.Fops)
		require.Zero(t, err)
	}
	_, err := Alloc(&fds, r.Fops)
	require.NotZero(t, err)
}
