package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dagmesh/keys"
	"dagmesh/vertex"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()

	level, err := OpenLevelStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { level.Close() })

	return map[string]Store{
		"leveldb": level,
		"memory":  NewMemoryStore(),
	}
}

func buildChain(t *testing.T, kp *keys.KeyPair, length int) []*vertex.Vertex {
	t.Helper()

	chain := make([]*vertex.Vertex, 0, length)
	genesis, err := vertex.NewGenesis(kp)
	require.NoError(t, err)
	chain = append(chain, genesis)

	for i := 1; i < length; i++ {
		v, err := vertex.New(kp, []string{chain[i-1].ID}, []byte{byte(i)})
		require.NoError(t, err)
		chain = append(chain, v)
	}
	return chain
}

func TestStorePutAndGet(t *testing.T) {
	kp, err := keys.New()
	require.NoError(t, err)
	chain := buildChain(t, kp, 4)

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, v := range chain {
				require.NoError(t, store.PutVertex(v), "Should store vertex")
			}

			got, err := store.GetVertex(chain[2].ID)
			require.NoError(t, err)
			assert.Equal(t, chain[2].ID, got.ID)
			assert.Equal(t, chain[2].Payload, got.Payload)

			assert.True(t, store.HasVertex(chain[0].ID))
			assert.False(t, store.HasVertex("missing"))

			_, err = store.GetVertex("missing")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.Equal(t, uint64(4), store.Height(), "Height should count stored vertices")
		})
	}
}

func TestStoreRejectsMissingParent(t *testing.T) {
	kp, err := keys.New()
	require.NoError(t, err)

	orphan, err := vertex.New(kp, []string{"ff00000000000000000000000000000000000000000000000000000000000000"}, []byte("orphan"))
	require.NoError(t, err)

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.PutVertex(orphan)
			assert.ErrorIs(t, err, ErrMissingParent, "Vertex with unknown parent must be rejected")
			assert.False(t, store.HasVertex(orphan.ID))
		})
	}
}

func TestStoreTips(t *testing.T) {
	kp, err := keys.New()
	require.NoError(t, err)
	chain := buildChain(t, kp, 3)

	branch, err := vertex.New(kp, []string{chain[1].ID}, []byte("branch"))
	require.NoError(t, err)

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, v := range chain {
				require.NoError(t, store.PutVertex(v))
			}
			require.NoError(t, store.PutVertex(branch))

			tips, err := store.GetTips()
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{chain[2].ID, branch.ID}, tips,
				"Tips should be the vertices with no children")
		})
	}
}

func TestStoreAncestors(t *testing.T) {
	kp, err := keys.New()
	require.NoError(t, err)
	chain := buildChain(t, kp, 5)

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, v := range chain {
				require.NoError(t, store.PutVertex(v))
			}

			ancestors, err := store.GetAncestors(chain[4].ID, 100)
			require.NoError(t, err)
			assert.Len(t, ancestors, 4, "Tip of a 5-chain has 4 ancestors")
			assert.Equal(t, chain[3].ID, ancestors[0], "Walk should start with the direct parent")

			capped, err := store.GetAncestors(chain[4].ID, 2)
			require.NoError(t, err)
			assert.Len(t, capped, 2, "Ancestry walk must honor the cap")
		})
	}
}

func TestStoreVertexRange(t *testing.T) {
	kp, err := keys.New()
	require.NoError(t, err)
	chain := buildChain(t, kp, 6)

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, v := range chain {
				require.NoError(t, store.PutVertex(v))
			}

			batch, err := store.GetVertexRange(2, 5)
			require.NoError(t, err)
			require.Len(t, batch, 3)
			assert.Equal(t, chain[2].ID, batch[0].ID)
			assert.Equal(t, chain[4].ID, batch[2].ID)
		})
	}
}

func TestStoreStateHash(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			assert.Empty(t, store.StateHash(), "Fresh store has no state hash")
			require.NoError(t, store.SetStateHash("abc123"))
			assert.Equal(t, "abc123", store.StateHash())

			require.NoError(t, store.SetHeight(42))
			assert.Equal(t, uint64(42), store.Height())
		})
	}
}

func TestStoreReinsertIsIdempotent(t *testing.T) {
	kp, err := keys.New()
	require.NoError(t, err)
	chain := buildChain(t, kp, 3)

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, v := range chain {
				require.NoError(t, store.PutVertex(v))
			}
			// Gossip delivers the same vertex more than once
			for _, v := range chain {
				require.NoError(t, store.PutVertex(v), "Re-inserting a stored vertex should succeed")
			}

			assert.Equal(t, uint64(3), store.Height(), "Height must not grow on re-insert")

			all, err := store.GetAllVertices()
			require.NoError(t, err)
			assert.Len(t, all, 3, "Each vertex appears once")

			tips, err := store.GetTips()
			require.NoError(t, err)
			assert.Equal(t, []string{chain[2].ID}, tips, "Tips are unchanged by re-insert")
		})
	}

	mem := NewMemoryStore()
	for _, v := range chain {
		require.NoError(t, mem.PutVertex(v))
		require.NoError(t, mem.PutVertex(v))
	}
	assert.Len(t, mem.children[chain[0].ID], 1, "Child index must not hold duplicate entries")
	assert.Len(t, mem.children[chain[1].ID], 1, "Child index must not hold duplicate entries")
}
