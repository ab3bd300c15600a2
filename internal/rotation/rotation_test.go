package rotation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nightshift/internal/kv"
	"nightshift/internal/rotation"
)

func TestResolve(t *testing.T) {
	st := rotation.State{}

	assert.Equal(t, 0, st.Resolve(1, 3, nil))
	assert.Equal(t, 2, st.Resolve(2, 3, func(n int) int { return n - 1 }))
	assert.Equal(t, 0, st.Resolve(3, 3, func(int) int { return 7 }), "out of range offsets fall back to 0")

	st[4] = 5
	assert.Equal(t, 0, st.Resolve(4, 2, nil), "shrunken population resets the index")
	assert.Equal(t, 0, st[4])

	st[5] = 1
	assert.Equal(t, 1, st.Resolve(5, 3, func(int) int { return 2 }), "existing in-range index is kept")
}

func TestAdvanceWraps(t *testing.T) {
	st := rotation.State{7: 1}
	assert.Equal(t, 2, st.Advance(7, 3))
	assert.Equal(t, 0, st.Advance(7, 3))
	assert.Equal(t, 0, st.Advance(7, 0))
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := rotation.Store{KV: kv.NewMemory()}

	st, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st)

	require.NoError(t, store.Save(ctx, rotation.State{1001: 2, 1002: 0}))
	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, rotation.State{1001: 2, 1002: 0}, got)
}

func TestLoadCorruptState(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	require.NoError(t, mem.Set(ctx, kv.KeyRotationState, []byte("{")))

	_, err := rotation.Store{KV: mem}.Load(ctx)
	var perr *kv.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "decode", perr.Op)
}
