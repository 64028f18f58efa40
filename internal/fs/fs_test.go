package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestExists(t *testing.T) {
	tmp := t.TempDir()
	p := filepath.Join(tmp, "a.jpg")
	writeFile(t, p)

	ok, err := Exists(Default, p)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Exists(Default, filepath.Join(tmp, "nope.jpg"))
	require.NoError(t, err)
	assert.False(t, ok)

	// Directories are not images.
	ok, err = Exists(Default, tmp)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWalk_LexicalOrder(t *testing.T) {
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "b.png"))
	writeFile(t, filepath.Join(tmp, "a", "z.jpg"))
	writeFile(t, filepath.Join(tmp, "a", "c", "y.jpg"))
	writeFile(t, filepath.Join(tmp, "c.txt"))

	var got []string
	require.NoError(t, Walk(Default, tmp, func(p string) bool {
		rel, _ := filepath.Rel(tmp, p)
		got = append(got, filepath.ToSlash(rel))
		return true
	}))
	assert.Equal(t, []string{"a/c/y.jpg", "a/z.jpg", "b.png", "c.txt"}, got)
}

func TestWalk_StopEarly(t *testing.T) {
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "a", "1.jpg"))
	writeFile(t, filepath.Join(tmp, "a", "2.jpg"))
	writeFile(t, filepath.Join(tmp, "b", "3.jpg"))

	n := 0
	require.NoError(t, Walk(Default, tmp, func(string) bool {
		n++
		return n < 2
	}))
	assert.Equal(t, 2, n)
}

func TestFaultyFS(t *testing.T) {
	tmp := t.TempDir()
	p := filepath.Join(tmp, "hidden.jpg")
	writeFile(t, p)

	ffs := NewFaultyFS(nil)
	ffs.AddRule("hidden", Fault{Hide: true})
	ffs.AddRule("short", Fault{FailAfterBytes: 2})
	ffs.AddRule("final", Fault{FailAfterBytes: -1, FailOnRename: true})

	ok, err := Exists(ffs, p)
	require.NoError(t, err)
	assert.False(t, ok)

	f, err := ffs.OpenFile(filepath.Join(tmp, "short.bin"), os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("abc"))
	assert.True(t, errors.Is(err, ErrInjected))
	require.NoError(t, f.Close())

	src := filepath.Join(tmp, "tmp.bin")
	writeFile(t, src)
	err = ffs.Rename(src, filepath.Join(tmp, "final.bin"))
	assert.True(t, errors.Is(err, ErrInjected))
}
