package driver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/pipe"
)

type collector struct {
	mu  sync.Mutex
	got []Completion
}

func (c *collector) sink(cp Completion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, cp)
}

func (c *collector) all() []Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Completion(nil), c.got...)
}

func newSim(t *testing.T, latency time.Duration) (*Simulator, *collector) {
	t.Helper()
	s := NewSimulator(SimulatorOptions{Latency: latency, Logger: camlog.NewNop()})
	c := &collector{}
	s.Attach(c.sink)
	return s, c
}

func TestJobsCompleteInOrderPerStage(t *testing.T) {
	s, c := newSim(t, time.Millisecond)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	for i := uint32(1); i <= 5; i++ {
		require.NoError(t, s.Enqueue(pipe.ISP, Job{Frame: uint64(i), Count: i}))
	}
	require.Eventually(t, func() bool { return len(c.all()) == 5 }, time.Second, 5*time.Millisecond)
	for i, cp := range c.all() {
		assert.EqualValues(t, i+1, cp.Job.Count)
		assert.Equal(t, pipe.ISP, cp.Job.Stage)
		assert.NoError(t, cp.Err)
	}
}

func TestFailNext(t *testing.T) {
	s, c := newSim(t, 0)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.FailNext(pipe.MCSC, 1)
	require.NoError(t, s.Enqueue(pipe.MCSC, Job{Count: 1}))
	require.NoError(t, s.Enqueue(pipe.MCSC, Job{Count: 2}))
	require.Eventually(t, func() bool { return len(c.all()) == 2 }, time.Second, 5*time.Millisecond)

	got := c.all()
	assert.ErrorIs(t, got[0].Err, ErrInjected)
	assert.NoError(t, got[1].Err)
}

func TestStopCompletesOutstandingJobs(t *testing.T) {
	s, c := newSim(t, 0)
	s.Stall(pipe.Flite, true)
	require.NoError(t, s.Start(context.Background()))

	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, s.Enqueue(pipe.Flite, Job{Count: i}))
	}
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, c.all())

	require.NoError(t, s.Stop())
	got := c.all()
	require.Len(t, got, 3)
	for _, cp := range got {
		assert.ErrorIs(t, cp.Err, ErrStopped)
	}
}

func TestStallAndResume(t *testing.T) {
	s, c := newSim(t, 0)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.Stall(pipe.ThreeAA, true)
	require.NoError(t, s.Enqueue(pipe.ThreeAA, Job{Count: 1}))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, c.all())

	s.Stall(pipe.ThreeAA, false)
	require.Eventually(t, func() bool { return len(c.all()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestStandbyLogAndStreaming(t *testing.T) {
	s := NewSimulator(SimulatorOptions{StandbyDelay: 20 * time.Millisecond, Logger: camlog.NewNop()})
	assert.True(t, s.SensorStreaming(Slave))

	require.NoError(t, s.SensorStandby(Slave, true))
	assert.True(t, s.SensorStreaming(Slave), "standby lags")
	require.Eventually(t, func() bool { return !s.SensorStreaming(Slave) }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.SensorStandby(Slave, false))
	assert.True(t, s.SensorStreaming(Slave))

	want := []string{"slave-on", "slave-off"}
	var got []string
	for _, c := range s.StandbyLog() {
		got = append(got, c.String())
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("standby log mismatch (-want +got):\n%s", diff)
	}
}

func TestHealthAndConfigure(t *testing.T) {
	s, _ := newSim(t, 0)
	assert.False(t, s.Health().DTPFault)
	s.SetDTPFault(true)
	assert.True(t, s.Health().DTPFault)

	require.NoError(t, s.Configure(pipe.MCSC, Format{Width: 640, Height: 480, BufferCount: 8}))
	f, ok := s.Format(pipe.MCSC)
	require.True(t, ok)
	assert.Equal(t, 640, f.Width)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Error(t, s.Configure(pipe.MCSC, Format{}))
	assert.Error(t, s.Start(context.Background()))
}
