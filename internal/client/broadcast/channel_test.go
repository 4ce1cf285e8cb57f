package broadcast

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) add(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, string(msg))
}

func (c *collector) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestHub_DeliversToPeersOnly(t *testing.T) {
	h := NewHub()
	a := h.Open("records")
	b := h.Open("records")
	other := h.Open("settings")

	var ga, gb, gother collector
	a.Subscribe(ga.add)
	b.Subscribe(gb.add)
	other.Subscribe(gother.add)

	require.NoError(t, a.Post([]byte("hello")))

	assert.Empty(t, ga.got(), "no self-delivery")
	assert.Equal(t, []string{"hello"}, gb.got())
	assert.Empty(t, gother.got())
}

func TestHub_CancelAndClose(t *testing.T) {
	h := NewHub()
	a := h.Open("records")
	b := h.Open("records")

	var gb collector
	cancel := b.Subscribe(gb.add)
	require.NoError(t, a.Post([]byte("1")))
	cancel()
	require.NoError(t, a.Post([]byte("2")))
	assert.Equal(t, []string{"1"}, gb.got())

	b.Subscribe(gb.add)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	require.NoError(t, a.Post([]byte("3")))
	assert.Equal(t, []string{"1"}, gb.got())

	assert.ErrorIs(t, b.Post([]byte("x")), ErrClosed)
}

func TestNoop(t *testing.T) {
	var n Noop
	assert.NoError(t, n.Post([]byte("x")))
	n.Subscribe(func([]byte) { t.Fatal("noop must not deliver") })()
	assert.NoError(t, n.Close())
}
