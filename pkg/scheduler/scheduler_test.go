package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/lucid-vigil/fileguard/pkg/config"
)

// MockMonitor is a mock implementation of the Monitor interface.
type MockMonitor struct {
	mock.Mock
}

func (m *MockMonitor) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockMonitor) Run(ctx context.Context) {
	m.Called(ctx)
}

func TestScheduler_RegisterMonitor(t *testing.T) {
	sched := NewScheduler(&config.Config{}, zerolog.Nop())

	monitor := new(MockMonitor)
	monitor.On("Name").Return("test_monitor")

	sched.RegisterMonitor(monitor)

	assert.Len(t, sched.monitors, 1)
	assert.Equal(t, monitor, sched.monitors[0])
	monitor.AssertExpectations(t)
}

func TestScheduler_Start(t *testing.T) {
	cfg := &config.Config{
		Monitors: []config.MonitorConfig{
			{Name: "monitor_enabled", Enabled: true, Interval: "50ms"},
			{Name: "monitor_disabled", Enabled: false, Interval: "50ms"},
			{Name: "monitor_invalid_interval", Enabled: true, Interval: "invalid"},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := NewScheduler(cfg, zerolog.Nop())

	enabledMonitor := new(MockMonitor)
	enabledMonitor.On("Name").Return("monitor_enabled")
	var calls atomic.Int32
	enabledMonitor.On("Run", mock.Anything).Run(func(mock.Arguments) { calls.Add(1) }).Return()
	sched.RegisterMonitor(enabledMonitor)

	disabledMonitor := new(MockMonitor)
	disabledMonitor.On("Name").Return("monitor_disabled")
	sched.RegisterMonitor(disabledMonitor)

	invalidIntervalMonitor := new(MockMonitor)
	invalidIntervalMonitor.On("Name").Return("monitor_invalid_interval")
	sched.RegisterMonitor(invalidIntervalMonitor)

	unconfigured := new(MockMonitor)
	unconfigured.On("Name").Return("monitor_unconfigured")
	sched.RegisterMonitor(unconfigured)

	sched.Start(ctx)

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	sched.Wait()

	disabledMonitor.AssertNotCalled(t, "Run", mock.Anything)
	invalidIntervalMonitor.AssertNotCalled(t, "Run", mock.Anything)
	unconfigured.AssertNotCalled(t, "Run", mock.Anything)
}

func TestScheduler_RunOnceMonitor(t *testing.T) {
	cfg := &config.Config{
		Monitors: []config.MonitorConfig{{Name: "watch", Enabled: true}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	sched := NewScheduler(cfg, zerolog.Nop())

	var runs atomic.Int32
	started := make(chan struct{})
	sched.RegisterMonitor(NewMonitorFunc("watch", func(ctx context.Context) {
		runs.Add(1)
		close(started)
		<-ctx.Done()
	}))
	sched.Start(ctx)

	<-started
	cancel()
	sched.Wait()
	assert.Equal(t, int32(1), runs.Load())
}

func TestScheduler_Shutdown(t *testing.T) {
	cfg := &config.Config{
		Monitors: []config.MonitorConfig{
			{Name: "shutdown_monitor", Enabled: true, Interval: "100ms"},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched := NewScheduler(cfg, zerolog.Nop())

	monitor := new(MockMonitor)
	monitor.On("Name").Return("shutdown_monitor")
	var wg sync.WaitGroup
	wg.Add(1)
	var once sync.Once
	monitor.On("Run", mock.Anything).Run(func(mock.Arguments) { once.Do(wg.Done) }).Return()
	sched.RegisterMonitor(monitor)

	sched.Start(ctx)
	wg.Wait()
	cancel()

	done := make(chan struct{})
	go func() {
		sched.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
	monitor.AssertExpectations(t)
}
