package karpathy

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.jpg", "a.jpg", "notes.txt", "c.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.jpg"), 0755))

	paths, err := ListImages(dir, ".jpg")
	require.NoError(t, err)
	assert.Equal(
		t,
		[]string{filepath.Join(dir, "a.jpg"), filepath.Join(dir, "b.jpg")},
		paths,
	)

	paths, err = ListImages(filepath.Join(dir, "missing"), ".jpg")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestEnumerateImagesKeepsRootOrder(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(first, "z.jpg"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(second, "a.jpg"), nil, 0644))

	paths, err := EnumerateImages([]string{first, second}, ".jpg")
	require.NoError(t, err)
	assert.Equal(
		t,
		[]string{filepath.Join(first, "z.jpg"), filepath.Join(second, "a.jpg")},
		paths,
	)
}

func TestCheckEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, CheckEmpty(dir, ".jpg"))
	require.NoError(t, CheckEmpty(filepath.Join(dir, "missing"), ".jpg"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.jpg"), nil, 0644))
	err := CheckEmpty(dir, ".jpg")
	assert.ErrorIs(t, err, ErrTrainImagesPresent)
	assert.ErrorIs(t, err, ErrConfig)
	assert.Contains(t, err.Error(), dir)
}

func TestShuffleIsSeeded(t *testing.T) {
	paths := make([]string, 50)
	for i := range paths {
		paths[i] = string(rune('A' + i))
	}
	a := append([]string(nil), paths...)
	b := append([]string(nil), paths...)

	Shuffle(a, rand.New(rand.NewPCG(3, 0)))
	Shuffle(b, rand.New(rand.NewPCG(3, 0)))

	assert.Equal(t, a, b)
	assert.NotEqual(t, paths, a)
	assert.ElementsMatch(t, paths, a)
}
