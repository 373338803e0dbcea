package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	file, err := OpenFile(filepath.Join(dir, "settings.json"))
	require.NoError(t, err)

	db, err := OpenSQLite(filepath.Join(dir, "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"file":   file,
		"sqlite": db,
	}
}

func TestStore_GetSet(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := store.Get(KeyUserEvents, []byte(`{}`))
			require.NoError(t, err)
			assert.JSONEq(t, `{}`, string(got))

			require.NoError(t, store.Set(KeyUserEvents, []byte(`{"1403-01-01":"x"}`)))
			got, err = store.Get(KeyUserEvents, nil)
			require.NoError(t, err)
			assert.JSONEq(t, `{"1403-01-01":"x"}`, string(got))

			require.NoError(t, store.Set(KeyUserEvents, []byte(`{}`)))
			got, err = store.Get(KeyUserEvents, nil)
			require.NoError(t, err)
			assert.JSONEq(t, `{}`, string(got))
		})
	}
}

func TestFile_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")

	f, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, f.Set(KeyThemeChoice, []byte(`"light"`)))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	got, err := reopened.Get(KeyThemeChoice, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"light"`, string(got))
}

func TestFile_RejectsInvalidJSON(t *testing.T) {
	f, err := OpenFile(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)

	assert.Error(t, f.Set("k", []byte(`{not json`)))
	got, err := f.Get("k", []byte(`null`))
	require.NoError(t, err)
	assert.Equal(t, `null`, string(got))
}

func TestFile_CorruptFileFailsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))

	_, err := OpenFile(path)
	assert.Error(t, err)
}

func TestSQLite_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")

	db, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, db.Set(KeyUserEvents, []byte(`{"a":1}`)))
	require.NoError(t, db.Close())

	db, err = OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Get(KeyUserEvents, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Set("k", []byte(`1`)))
	assert.Equal(t, 1, m.WriteCount())

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Set("k", []byte(`2`)), ErrClosed)
	_, err := m.Get("k", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Config{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(Config{Backend: "file", Path: filepath.Join(dir, "s.json")})
	require.NoError(t, err)
	assert.IsType(t, &File{}, s)

	s, err = Open(Config{Backend: "sqlite", Path: filepath.Join(dir, "s.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	s.Close()

	_, err = Open(Config{Backend: "redis"})
	assert.Error(t, err)
}
