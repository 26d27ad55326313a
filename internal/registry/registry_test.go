package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopHandle struct{}

func (nopHandle) Send([]byte) error       { return nil }
func (nopHandle) Ping() error             { return nil }
func (nopHandle) Close(int, string) error { return nil }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRegister_DefaultSubscriptions(t *testing.T) {
	r := New()

	c, superseded := r.Register("user-1", "", nopHandle{})

	assert.Nil(t, superseded)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, []string{DefaultTopic}, c.Topics())
	assert.Equal(t, 1, r.Count())
}

func TestRegisterWithGreeting_GreetsBeforeVisible(t *testing.T) {
	r := New()
	var greeted Connection
	visible := true

	c, _ := r.RegisterWithGreeting("user-1", "ws-1", nopHandle{}, func(conn Connection) {
		greeted = conn
		_, visible = r.Get(conn.ID)
	})

	assert.False(t, visible, "greet runs before broadcasters can reach the connection")
	assert.Equal(t, c.ID, greeted.ID)
	assert.Equal(t, "ws-1", greeted.WorkspaceScope)
	assert.Equal(t, []string{DefaultTopic}, greeted.Topics())
	_, ok := r.Get(c.ID)
	assert.True(t, ok)
}

func TestRegister_IDsAreUnique(t *testing.T) {
	r := New()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		c, _ := r.Register(fmt.Sprintf("user-%d", i), "", nopHandle{})
		require.False(t, seen[c.ID], "duplicate connection ID %s", c.ID)
		seen[c.ID] = true
	}
}

func TestRegister_SameUserSupersedesPrevious(t *testing.T) {
	r := New()
	first, _ := r.Register("user-1", "ws-1", nopHandle{})

	second, superseded := r.Register("user-1", "ws-2", nopHandle{})

	require.NotNil(t, superseded)
	assert.Equal(t, first.ID, superseded.ID)
	assert.Equal(t, 1, r.Count())

	got, ok := r.ByUser("user-1")
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)

	_, ok = r.Get(first.ID)
	assert.False(t, ok, "superseded connection must be gone")
}

func TestSubscribe_IsIdempotent(t *testing.T) {
	r := New()
	c, _ := r.Register("user-1", "", nopHandle{})

	r.Subscribe(c.ID, "task_update", "alert")
	once, _ := r.Get(c.ID)
	r.Subscribe(c.ID, "task_update", "alert")
	twice, _ := r.Get(c.ID)

	assert.Equal(t, once.Topics(), twice.Topics())
	assert.Equal(t, []string{"alert", "system_health", "task_update"}, twice.Topics())
}

func TestUnsubscribe_RestoresPreSubscribeSet(t *testing.T) {
	r := New()
	c, _ := r.Register("user-1", "", nopHandle{})
	before, _ := r.Get(c.ID)

	r.Subscribe(c.ID, "execution_update")
	r.Unsubscribe(c.ID, "execution_update")

	after, _ := r.Get(c.ID)
	assert.Equal(t, before.Topics(), after.Topics())
}

func TestUnknownConnection_IsNoop(t *testing.T) {
	r := New()

	assert.NotPanics(t, func() {
		r.Subscribe("missing", "task_update")
		r.Unsubscribe("missing", "task_update")
		r.Touch("missing")
	})
	assert.False(t, r.Deregister("missing"))
}

func TestDeregister_Idempotent(t *testing.T) {
	r := New()
	c, _ := r.Register("user-1", "", nopHandle{})

	assert.True(t, r.Deregister(c.ID))
	assert.False(t, r.Deregister(c.ID))
	assert.Equal(t, 0, r.Count())

	_, ok := r.ByUser("user-1")
	assert.False(t, ok)
}

func TestDeregister_SupersededDoesNotDropNewUserIndex(t *testing.T) {
	r := New()
	first, _ := r.Register("user-1", "", nopHandle{})
	second, _ := r.Register("user-1", "", nopHandle{})

	// The old transport's close path deregisters its own ID late.
	r.Deregister(first.ID)

	got, ok := r.ByUser("user-1")
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
}

func TestTouch_UpdatesLastSeen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := New(WithClock(clock.Now))
	c, _ := r.Register("user-1", "", nopHandle{})

	clock.Advance(10 * time.Second)
	r.Touch(c.ID)

	got, _ := r.Get(c.ID)
	assert.Equal(t, c.LastSeen.Add(10*time.Second), got.LastSeen)
}

func TestSnapshot_ReturnsCopies(t *testing.T) {
	r := New()
	c, _ := r.Register("user-1", "", nopHandle{})

	snap := r.Snapshot(nil)
	require.Len(t, snap, 1)
	snap[0].Subscriptions["task_update"] = struct{}{}

	got, _ := r.Get(c.ID)
	assert.False(t, got.Subscribed("task_update"), "mutating a snapshot must not leak into the registry")
}

func TestSnapshot_Predicate(t *testing.T) {
	r := New()
	a, _ := r.Register("user-a", "ws-1", nopHandle{})
	r.Register("user-b", "ws-2", nopHandle{})

	got := r.Snapshot(func(c Connection) bool { return c.WorkspaceScope == "ws-1" })

	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _ := r.Register(fmt.Sprintf("user-%d", i), "", nopHandle{})
			r.Subscribe(c.ID, "task_update")
			r.Touch(c.ID)
			_ = r.Snapshot(func(c Connection) bool { return c.Subscribed("task_update") })
			r.Deregister(c.ID)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Count())
}
