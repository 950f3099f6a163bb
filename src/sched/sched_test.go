package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ix86kernel/src/defs"
	"ix86kernel/src/fd"
	"ix86kernel/src/mem"
	"ix86kernel/src/proc"
	"ix86kernel/src/shm"
	"ix86kernel/src/vm"
)

type fakeTerminal struct{}

func (fakeTerminal) Read(buf []byte) (int, error)  { return 0, nil }
func (fakeTerminal) Write(buf []byte) (int, error) { return len(buf), nil }
func (fakeTerminal) SetCursor(x, y int) error       { return nil }
func (fakeTerminal) SetColor(fg, bg int) error      { return nil }
func (fakeTerminal) Clear() error                   { return nil }

func newScheduler(t *testing.T) *Scheduler {
	t.Helper()
	fd.InitStdio(fakeTerminal{})
	pfa := mem.Init(8192, nil)
	kvm, err := vm.Create(pfa)
	require.NoError(t, err)
	shmTable := shm.NewTable(pfa)
	return New(pfa, shmTable, kvm)
}

func TestRoundRobinFairness(t *testing.T) {
	s := newScheduler(t)
	p1, err := s.CreateProcess(defs.NoPid)
	require.Zero(t, err)
	p2, err := s.CreateProcess(defs.NoPid)
	require.Zero(t, err)
	s.AddReady(p1)
	s.AddReady(p2)

	f := s.Schedule(nil)
	require.Same(t, p1.Frame, f)

	f = s.Schedule(p1.Frame)
	require.Same(t, p2.Frame, f, "p1 preempted must go to the tail, p2 runs next")

	f = s.Schedule(p2.Frame)
	require.Same(t, p1.Frame, f, "round robin returns to p1")
}

func TestScheduleIdleWhenNoneReady(t *testing.T) {
	s := newScheduler(t)
	f := s.Schedule(nil)
	require.Nil(t, f)
}

func TestSleepWakesAtTick(t *testing.T) {
	s := newScheduler(t)
	p1, _ := s.CreateProcess(defs.NoPid)
	s.AddReady(p1)
	_ = s.Schedule(nil) // p1 now running

	s.SleepCurrent(p1.Frame, s.Tick()+2)
	require.Equal(t, proc.Blocked, p1.State)

	require.Nil(t, s.Schedule(nil))            // tick 2: not yet
	require.Same(t, p1.Frame, s.Schedule(nil)) // tick 3: woken before the ready queue is popped, so dispatched

	require.Equal(t, proc.Running, p1.State)
}

func TestForkCopiesAddressSpaceAndFds(t *testing.T) {
	s := newScheduler(t)
	parent, err := s.CreateProcess(defs.NoPid)
	require.Zero(t, err)

	child, err := s.Fork(parent)
	require.Zero(t, err)
	require.Equal(t, parent.Pid, child.ParentPid)
	require.NotEqual(t, parent.AS, child.AS)
	require.True(t, child.Fds[0].Valid)
}

func TestForkRejectsWhileShmAttached(t *testing.T) {
	s := newScheduler(t)
	parent, _ := s.CreateProcess(defs.NoPid)
	parent.ShmMappings = append(parent.ShmMappings, proc.ShmMapping_t{ShmID: 1})

	_, err := s.Fork(parent)
	require.Equal(t, defs.EINVAL, err)
}

func TestExitThenWaitReapsChild(t *testing.T) {
	s := newScheduler(t)
	parent, _ := s.CreateProcess(defs.NoPid)
	child, _ := s.Fork(parent)

	s.Lock()
	s.current = child.Pid
	s.Unlock()
	s.ExitCurrent(child.Frame, 7)

	pid, code, err, ok := s.WaitPid(parent, defs.NoPid)
	require.True(t, ok)
	require.Zero(t, err)
	require.Equal(t, child.Pid, pid)
	require.Equal(t, int32(7), code)
}

func TestWaitPidNoChildIsECHILD(t *testing.T) {
	s := newScheduler(t)
	parent, _ := s.CreateProcess(defs.NoPid)
	_, _, err, ok := s.WaitPid(parent, defs.NoPid)
	require.True(t, ok)
	require.Equal(t, defs.ECHILD, err)
}

func TestStatsStringReportsCounters(t *testing.T) {
	s := newScheduler(t)
	p1, _ := s.CreateProcess(defs.NoPid)
	s.AddReady(p1)
	_ = s.Schedule(nil)

	out := s.StatsString()
	require.Contains(t, out, "Switches: 1")
}

func TestRusageTalliesRunningTime(t *testing.T) {
	s := newScheduler(t)
	p1, _ := s.CreateProcess(defs.NoPid)
	p2, _ := s.CreateProcess(defs.NoPid)
	s.AddReady(p1)
	s.AddReady(p2)

	_ = s.Schedule(nil)       // p1 dispatched
	_ = s.Schedule(p1.Frame)  // p1 preempted, tallied; p2 dispatched

	usage, ok := s.Rusage(p1.Pid)
	require.True(t, ok)
	require.Len(t, usage, 32)

	_, ok = s.Rusage(defs.Pid_t(9999))
	require.False(t, ok)
}

func TestWaitPidBlocksWhenChildStillAlive(t *testing.T) {
	s := newScheduler(t)
	parent, _ := s.CreateProcess(defs.NoPid)
	_, _ = s.Fork(parent)

	_, _, _, ok := s.WaitPid(parent, defs.NoPid)
	require.False(t, ok, "live child, no zombie yet: must ask caller to block and retry")
}
