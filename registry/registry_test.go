package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{ name string }

func (c *fakeConn) Send([]byte) bool { return true }

func TestBindLookupRemove(t *testing.T) {
	r := New()
	c := &fakeConn{"c1"}

	_, ok := r.Lookup("1")
	assert.False(t, ok)

	r.Bind(c, "1")
	got, ok := r.Lookup("1")
	require.True(t, ok)
	assert.Same(t, c, got)

	identity, ok := r.BoundIdentity(c)
	require.True(t, ok)
	assert.Equal(t, "1", identity)

	identity, wasBound := r.Remove(c)
	assert.True(t, wasBound)
	assert.Equal(t, "1", identity)

	_, ok = r.Lookup("1")
	assert.False(t, ok)
	_, ok = r.BoundIdentity(c)
	assert.False(t, ok)
}

func TestRebindReplacesStaleReverseMapping(t *testing.T) {
	r := New()
	c := &fakeConn{"c1"}

	r.Bind(c, "1")
	r.Bind(c, "2")

	_, ok := r.Lookup("1")
	assert.False(t, ok)
	got, ok := r.Lookup("2")
	require.True(t, ok)
	assert.Same(t, c, got)

	conns, identities := r.Count()
	assert.Equal(t, 1, conns)
	assert.Equal(t, 1, identities)
}

func TestLastBindWins(t *testing.T) {
	r := New()
	older := &fakeConn{"older"}
	newer := &fakeConn{"newer"}

	r.Bind(older, "1")
	r.Bind(newer, "1")

	got, ok := r.Lookup("1")
	require.True(t, ok)
	assert.Same(t, newer, got)

	// the displaced connection keeps its own binding
	identity, ok := r.BoundIdentity(older)
	require.True(t, ok)
	assert.Equal(t, "1", identity)

	// removing it must not withdraw the newer advertisement
	r.Remove(older)
	got, ok = r.Lookup("1")
	require.True(t, ok)
	assert.Same(t, newer, got)
}

func TestRemoveUnbound(t *testing.T) {
	r := New()
	_, wasBound := r.Remove(&fakeConn{"idle"})
	assert.False(t, wasBound)
}

func TestConcurrentBindRemove(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &fakeConn{fmt.Sprint(i)}
			identity := fmt.Sprint(i % 10)
			r.Bind(c, identity)
			r.Lookup(identity)
			r.Remove(c)
		}(i)
	}
	wg.Wait()

	conns, identities := r.Count()
	assert.Equal(t, 0, conns)
	assert.Equal(t, 0, identities)
}
