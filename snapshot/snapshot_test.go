package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"darkpool/domain/address"
	"darkpool/domain/book"
	"darkpool/domain/engine"
)

func TestMissingSnapshot(t *testing.T) {
	_, ok, err := Load(t.TempDir())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteLoad(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	e := engine.New(engine.Config{})
	_, err := e.Initialize(book.Params{
		Authority:  address.Key{1},
		BackendKey: address.Key{2},
		BaseAsset:  address.Key{3},
		QuoteAsset: address.Key{4},
	}, now)
	require.NoError(t, err)
	_, _, err = e.InitializeVault(address.Key{9}, address.Key{3})
	require.NoError(t, err)
	_, _, err = e.Deposit(address.Key{9}, address.Key{3}, 50)
	require.NoError(t, err)

	dir := t.TempDir()
	w := &Writer{Dir: dir}
	require.NoError(t, w.Write(12, e.Export(), now))
	require.NoError(t, w.Write(13, e.Export(), now))

	s, ok, err := Load(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(13), s.Seq)

	restored := engine.New(engine.Config{})
	restored.Restore(s.State)
	v, err := restored.Vault(address.Key{9}, address.Key{3})
	require.NoError(t, err)
	require.Equal(t, uint64(50), v.Balance)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files are cleaned up")
	require.Equal(t, fileName, entries[0].Name())
}

func TestCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName), []byte("{"), 0o644))
	_, _, err := Load(dir)
	require.Error(t, err)
}
