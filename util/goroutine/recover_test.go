package goroutine

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

var errSentinel = errors.New("component failed")

func TestRecover_NoPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)

	func() {
		defer Recover("quiet", zap.New(core).Sugar())
	}()

	assert.Empty(t, logs.All())
}

func TestRecover_LogsPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)

	func() {
		defer Recover("consumer-loop", zap.New(core).Sugar())
		panic("boom")
	}()

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "Goroutine panic recovered", entries[0].Message)
	assert.Equal(t, "consumer-loop", fields["goroutine"])
	assert.Equal(t, "boom", fields["panic"])
	assert.Contains(t, fields["stack"], "goroutine")
}

func TestRecover_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		defer Recover("no-logger", nil)
		panic("still recorded")
	})
}

func TestRecover_ConcurrentGoroutines(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer Recover("worker", logger)
			panic("worker panic")
		}()
	}
	wg.Wait()

	assert.Len(t, logs.All(), 4)
}

func TestRecoverError_ConvertsPanic(t *testing.T) {
	run := func() (err error) {
		defer RecoverError("port_scan", errSentinel, &err, zaptest.NewLogger(t).Sugar())
		var m map[string]int
		m["boom"]++
		return nil
	}

	err := run()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errSentinel))
	assert.Contains(t, err.Error(), "port_scan panicked")
}

func TestRecoverError_KeepsReturnedError(t *testing.T) {
	want := errors.New("plain failure")
	run := func() (err error) {
		defer RecoverError("xss", errSentinel, &err, nil)
		return want
	}

	assert.Equal(t, want, run())
}
