package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFeed(t *testing.T) {
	feed := NewFeed[string](false)
	require.NotNil(t, feed)
	assert.Equal(t, 0, feed.ListenerCount())
	assert.False(t, feed.replay)

	feed2 := NewFeed[int](true)
	assert.True(t, feed2.replay)
}

func TestFeed_Listen_Notify_Basic(t *testing.T) {
	feed := NewFeed[string](false)

	ch := make(chan string, 10)
	unregister := feed.Listen(ch)
	assert.Equal(t, 1, feed.ListenerCount())

	feed.Notify("test1")
	feed.Notify("test2")

	received := make([]string, 0)
	for len(received) < 2 {
		select {
		case val := <-ch:
			received = append(received, val)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("Timeout waiting for events")
		}
	}
	assert.Equal(t, []string{"test1", "test2"}, received)

	unregister()
	assert.Equal(t, 0, feed.ListenerCount())

	feed.Notify("test3")
	select {
	case val := <-ch:
		t.Errorf("Unexpected value received after unregister: %s", val)
	default:
	}
}

func TestFeed_Subscribe_Notify_Basic(t *testing.T) {
	feed := NewFeed[int](false)

	var got []int
	unregister := feed.Subscribe(func(v int) { got = append(got, v) })
	feed.Notify(1)
	feed.Notify(2)
	assert.Equal(t, []int{1, 2}, got)

	unregister()
	feed.Notify(3)
	assert.Equal(t, []int{1, 2}, got)
}

func TestFeed_MixedListeners(t *testing.T) {
	feed := NewFeed[int](false)

	ch := make(chan int, 1)
	var calls int32
	unregisterCh := feed.Listen(ch)
	unregisterCb := feed.Subscribe(func(int) { atomic.AddInt32(&calls, 1) })
	assert.Equal(t, 2, feed.ListenerCount())

	feed.Notify(42)
	assert.Equal(t, 42, <-ch)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	unregisterCh()
	unregisterCb()
	assert.Equal(t, 0, feed.ListenerCount())
}

func TestFeed_Replay_NoNotifyYet(t *testing.T) {
	feed := NewFeed[string](true)

	ch := make(chan string, 1)
	defer feed.Listen(ch)()

	select {
	case val := <-ch:
		t.Errorf("Unexpected value received: %s", val)
	default:
	}

	_, ok := feed.Last()
	assert.False(t, ok)
}

func TestFeed_Replay_AfterNotify(t *testing.T) {
	feed := NewFeed[string](true)
	feed.Notify("first")
	feed.Notify("second")

	ch := make(chan string, 1)
	defer feed.Listen(ch)()
	assert.Equal(t, "second", <-ch)

	var got string
	defer feed.Subscribe(func(v string) { got = v })()
	assert.Equal(t, "second", got)

	last, ok := feed.Last()
	assert.True(t, ok)
	assert.Equal(t, "second", last)
}

func TestFeed_NoReplay(t *testing.T) {
	feed := NewFeed[string](false)
	feed.Notify("missed")

	ch := make(chan string, 1)
	defer feed.Listen(ch)()

	select {
	case val := <-ch:
		t.Errorf("Unexpected value received: %s", val)
	default:
	}

	called := false
	defer feed.Subscribe(func(string) { called = true })()
	assert.False(t, called)
}

func TestFeed_FullChannelIsSkipped(t *testing.T) {
	feed := NewFeed[string](false)

	ch := make(chan string, 1)
	defer feed.Listen(ch)()

	ch <- "blocking"
	feed.Notify("test1")
	assert.Equal(t, 1, len(ch))

	<-ch
	feed.Notify("test2")
	assert.Equal(t, "test2", <-ch)
}

func TestFeed_NilListeners(t *testing.T) {
	feed := NewFeed[int](false)
	assert.Panics(t, func() { feed.Listen(nil) })
	assert.Panics(t, func() { feed.Subscribe(nil) })
}

func TestFeed_UnregisterDuringNotify(t *testing.T) {
	feed := NewFeed[int](false)

	var unregister func()
	count := 0
	unregister = feed.Subscribe(func(int) {
		count++
		unregister()
	})

	feed.Notify(1)
	feed.Notify(2)
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, feed.ListenerCount())
}

func TestFeed_MultipleUnregisterCalls(t *testing.T) {
	feed := NewFeed[int](false)
	unregister := feed.Listen(make(chan int, 1))
	unregister()
	unregister()
	assert.Equal(t, 0, feed.ListenerCount())
}

func TestFeed_ConcurrentAccess(t *testing.T) {
	feed := NewFeed[int](true)

	channels := make([]chan int, 10)
	for i := range channels {
		channels[i] = make(chan int, 100)
		defer feed.Listen(channels[i])()
	}
	var calls int64
	defer feed.Subscribe(func(int) { atomic.AddInt64(&calls, 1) })()

	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		go func(value int) {
			defer wg.Done()
			feed.Notify(value)
		}(i)
	}
	wg.Wait()

	for i, ch := range channels {
		assert.Equal(t, 5, len(ch), "channel %d", i)
	}
	assert.Equal(t, int64(5), atomic.LoadInt64(&calls))
}
