package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Monitor mirrors scheduler.Monitor so the suite does not depend on it.
type Monitor interface {
	Name() string
	Run(ctx context.Context)
}

// MonitorTestSuite runs the checks every scheduled monitor must pass.
type MonitorTestSuite struct {
	t           *testing.T
	monitor     Monitor
	testTimeout time.Duration
}

// NewMonitorTestSuite creates a suite for monitor with a 5s run budget.
func NewMonitorTestSuite(t *testing.T, monitor Monitor) *MonitorTestSuite {
	return &MonitorTestSuite{
		t:           t,
		monitor:     monitor,
		testTimeout: 5 * time.Second,
	}
}

// WithTimeout sets the run budget.
func (mts *MonitorTestSuite) WithTimeout(timeout time.Duration) *MonitorTestSuite {
	mts.testTimeout = timeout
	return mts
}

// RunBasicTests executes the standard monitor checks.
func (mts *MonitorTestSuite) RunBasicTests() {
	mts.t.Run("TestMonitorName", mts.testMonitorName)
	mts.t.Run("TestMonitorRun", mts.testMonitorRun)
	mts.t.Run("TestMonitorCancelled", mts.testMonitorCancelled)
	mts.t.Run("TestMonitorConcurrency", mts.testMonitorConcurrency)
}

func (mts *MonitorTestSuite) testMonitorName(t *testing.T) {
	name := mts.monitor.Name()
	assert.NotEmpty(t, name, "Monitor name should not be empty")
	assert.False(t, strings.ContainsAny(name, " \t"), "Monitor name should not contain spaces")
}

func (mts *MonitorTestSuite) testMonitorRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), mts.testTimeout)
	defer cancel()
	assert.NotPanics(t, func() {
		mts.monitor.Run(ctx)
	}, "Monitor Run should not panic")
}

func (mts *MonitorTestSuite) testMonitorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		mts.monitor.Run(ctx)
	}()
	select {
	case <-done:
	case <-time.After(mts.testTimeout):
		t.Fatal("Monitor should return promptly once its context is cancelled")
	}
}

func (mts *MonitorTestSuite) testMonitorConcurrency(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), mts.testTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs <- fmt.Errorf("panic: %v", r)
				}
			}()
			mts.monitor.Run(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err, "Concurrent monitor execution should not error")
	}
}
