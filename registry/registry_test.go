package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-rpc-broker/rpc"
)

func client(serial uint64) rpc.ClientID {
	return rpc.ClientID{Serial: serial, Slot: uint32(serial)}
}

func TestRegisterSortsAscendingByPriority(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("pick", client(1), 20))
	require.NoError(t, r.Register("pick", client(2), 10))
	require.NoError(t, r.Register("pick", client(3), 15))

	handlers := r.Handlers("pick")
	require.Len(t, handlers, 3)
	assert.Equal(t, client(2), handlers[0].ClientID)
	assert.Equal(t, client(3), handlers[1].ClientID)
	assert.Equal(t, client(1), handlers[2].ClientID)
}

func TestRegisterStableOnTies(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("pick", client(1), 10))
	require.NoError(t, r.Register("pick", client(2), 10))
	require.NoError(t, r.Register("pick", client(3), 10))

	handlers := r.Handlers("pick")
	require.Len(t, handlers, 3)
	assert.Equal(t, client(1), handlers[0].ClientID)
	assert.Equal(t, client(2), handlers[1].ClientID)
	assert.Equal(t, client(3), handlers[2].ClientID)
}

func TestRegisterRejectsReservedName(t *testing.T) {
	r := New()
	err := r.Register("core.new_rpc", client(1), 0)
	assert.ErrorIs(t, err, ErrReservedName)
}

func TestRegisterRejectsDuplicateClientAndRegistryUnchanged(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("echo", client(1), 5))
	err := r.Register("echo", client(1), 99)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Equal(t, []Handler{{ClientID: client(1), Priority: 5}}, r.Handlers("echo"))
}

func TestDeregisterByClientSweepsEmptyNames(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("echo", client(1), 5))
	r.DeregisterByClient(client(1))
	assert.Nil(t, r.Handlers("echo"))
}

func TestDeregisterByClientLeavesOthers(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("echo", client(1), 5))
	require.NoError(t, r.Register("echo", client(2), 6))
	r.DeregisterByClient(client(1))
	assert.Equal(t, []Handler{{ClientID: client(2), Priority: 6}}, r.Handlers("echo"))
}

func TestFirstAndNextAfter(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("pick", client(1), 10))
	require.NoError(t, r.Register("pick", client(2), 20))

	h, idx, _, ok := r.First("pick")
	require.True(t, ok)
	assert.Equal(t, client(1), h.ClientID)
	assert.Equal(t, 0, idx)

	h2, idx2, _, ok2 := r.NextAfter("pick", idx)
	require.True(t, ok2)
	assert.Equal(t, client(2), h2.ClientID)
	assert.Equal(t, 1, idx2)

	_, _, _, ok3 := r.NextAfter("pick", idx2)
	assert.False(t, ok3)
}

func TestFirstOnUnknownName(t *testing.T) {
	r := New()
	_, _, _, ok := r.First("missing")
	assert.False(t, ok)
}

func TestGenerationBumpsOnMutation(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("pick", client(1), 10))
	gen1 := r.Generation("pick")
	require.NoError(t, r.Register("pick", client(2), 5))
	gen2 := r.Generation("pick")
	assert.Greater(t, gen2, gen1)
	r.DeregisterByClient(client(1))
	gen3 := r.Generation("pick")
	assert.Greater(t, gen3, gen2)
}
