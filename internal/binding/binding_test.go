package binding

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	data map[string]Binding
}

func (m *memStore) Load() (map[string]Binding, error) { return m.data, nil }
func (m *memStore) Save(b map[string]Binding) error    { m.data = b; return nil }

func TestBindAndUnbind(t *testing.T) {
	s, err := New(&memStore{})
	require.NoError(t, err)

	require.False(t, s.IsBound("1-1"))
	require.NoError(t, s.Bind("1-1"))
	require.True(t, s.IsBound("1-1"))

	require.NoError(t, s.Unbind("1-1"))
	require.False(t, s.IsBound("1-1"))
}

func TestFileConfigStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.json")
	fs := &FileConfigStore{Path: path}

	loaded, err := fs.Load()
	require.NoError(t, err)
	require.Empty(t, loaded)

	require.NoError(t, fs.Save(map[string]Binding{"1-1": {BusID: "1-1", Bound: true}}))

	loaded, err = fs.Load()
	require.NoError(t, err)
	require.True(t, loaded["1-1"].Bound)
}
