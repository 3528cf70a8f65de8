package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_Schedule(t *testing.T) {
	t.Parallel()
	s := NewScheduler()
	defer s.Stop()

	fired := make(chan struct{})
	s.Schedule("sid-1", 10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestScheduler_Supersede(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	s := NewScheduler()
	defer s.Stop()

	var first, second int32
	s.Schedule("sid-1", 20*time.Millisecond, func() { atomic.AddInt32(&first, 1) })
	s.Schedule("sid-1", 10*time.Millisecond, func() { atomic.AddInt32(&second, 1) })

	time.Sleep(100 * time.Millisecond)
	assert.Equal(int32(0), atomic.LoadInt32(&first), "superseded timer must not fire")
	assert.Equal(int32(1), atomic.LoadInt32(&second))
}

func TestScheduler_Cancel(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	s := NewScheduler()
	defer s.Stop()

	var fired int32
	s.Schedule("sid-1", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	require.True(s.Cancel("sid-1"))
	require.False(s.Cancel("sid-1"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(int32(0), atomic.LoadInt32(&fired))
}

func TestScheduler_Stop(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	s := NewScheduler()

	var fired int32
	s.Schedule("sid-1", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	s.Schedule("sid-2", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	s.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(int32(0), atomic.LoadInt32(&fired))
}
