package fanout

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []Event
	full   bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *fakeConn) received() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

const (
	alpha = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	beta  = "0f8fad5b-d9cb-469f-a165-70867728950e"
)

func TestRegistrySubscribeAndUnsubscribe(t *testing.T) {
	r := NewRegistry(4)
	a, b := newFakeConn("a"), newFakeConn("b")

	assert.True(t, r.Subscribe(a, alpha))
	assert.False(t, r.Subscribe(a, alpha), "duplicate subscription is a no-op")
	assert.True(t, r.Subscribe(b, alpha))
	assert.True(t, r.Subscribe(a, beta))

	assert.Equal(t, []Conn{a, b}, r.Subscribers(alpha))
	assert.Equal(t, []Conn{a}, r.Subscribers(beta))
	assert.Equal(t, []string{beta, alpha}, r.Resources(a))
	assert.Equal(t, 3, r.Len())

	assert.True(t, r.Unsubscribe(a, alpha))
	assert.False(t, r.Unsubscribe(a, alpha))
	assert.Equal(t, []Conn{b}, r.Subscribers(alpha))
	assert.Equal(t, 2, r.Len())
}

func TestRegistryDropRemovesEverything(t *testing.T) {
	r := NewRegistry(0)
	a, b := newFakeConn("a"), newFakeConn("b")
	r.Subscribe(a, alpha)
	r.Subscribe(a, beta)
	r.Subscribe(b, beta)

	assert.Equal(t, 2, r.Drop(a))
	assert.Equal(t, 0, r.Drop(a))
	assert.Empty(t, r.Subscribers(alpha))
	assert.Equal(t, []Conn{b}, r.Subscribers(beta))
	assert.Empty(t, r.Resources(a))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryEmptyLookups(t *testing.T) {
	r := NewRegistry(2)
	assert.Empty(t, r.Subscribers(alpha))
	assert.False(t, r.Unsubscribe(newFakeConn("x"), alpha))
	assert.Zero(t, r.Len())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(8)
	const conns = 50

	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn(fmt.Sprintf("conn-%02d", i))
			r.Subscribe(c, alpha)
			r.Subscribe(c, beta)
			_ = r.Subscribers(alpha)
			if i%2 == 0 {
				r.Drop(c)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, r.Subscribers(alpha), conns/2)
	require.Len(t, r.Subscribers(beta), conns/2)
	assert.Equal(t, conns, r.Len())
}
