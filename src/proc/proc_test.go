package proc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRewindForRestart(t *testing.T) {
	f := &TrapFrame{Eip: 0x1000}
	f.RewindForRestart()
	require.Equal(t, uint32(0x1000-2), f.Eip)
}

func TestInitTrapFrameFields(t *testing.T) {
	f := InitTrapFrame(0x08048000, 0x00BFC000)
	require.Equal(t, uint32(0x08048000), f.Eip)
	require.Equal(t, uint32(0x00BFC000), f.UserEsp)
	require.NotZero(t, f.Eflags&(1<<9), "interrupts must be enabled")
	require.Equal(t, uint32(0), f.Eax, "fresh process has no carried-over register state")
}

func TestProcessStateStrings(t *testing.T) {
	require.Equal(t, "ready", Ready.String())
	require.Equal(t, "running", Running.String())
	require.Equal(t, "blocked", Blocked.String())
	require.Equal(t, "zombie", Zombie.String())
}

func TestNewProcDefaults(t *testing.T) {
	p := NewProc(1, 0)
	require.Equal(t, Ready, p.State)
	require.NotNil(t, p.Frame)
	require.Empty(t, p.ShmMappings)
	require.NotNil(t, p.Acct)
}

func TestMarkDispatchedThenPreemptedTalliesUserTime(t *testing.T) {
	p := NewProc(1, 0)
	p.MarkDispatched()
	p.MarkPreempted()
	require.GreaterOrEqual(t, p.Acct.Userns, int64(0))

	require.NotPanics(t, func() { p.MarkPreempted() }, "preempting twice without a dispatch in between is a no-op")
}
