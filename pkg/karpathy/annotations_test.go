package karpathy

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntries(n int) []AnnotatedImage {
	entries := make([]AnnotatedImage, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, AnnotatedImage{
			Filename:  fmt.Sprintf("img_%04d.jpg", i),
			Split:     string(AllSplits[i%len(AllSplits)]),
			Sentences: []Sentence{{Raw: fmt.Sprintf("caption %d", i)}},
		})
	}
	return entries
}

func TestParseSplit(t *testing.T) {
	for _, s := range AllSplits {
		got, err := ParseSplit(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := ParseSplit("dev")
	assert.ErrorIs(t, err, ErrUnknownSplit)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestBuildIndexWithoutRelabel(t *testing.T) {
	images := []AnnotatedImage{
		{Filename: "a.jpg", Split: "train", Sentences: []Sentence{{Raw: "a1"}, {Raw: "a2"}}},
		{Filename: "b.jpg", Split: "test", Sentences: []Sentence{{Raw: "b1"}}},
		{Filename: "a.jpg", Split: "val", Sentences: []Sentence{{Raw: "a3"}}},
	}

	idx, err := BuildIndex(images, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a1", "a2", "a3"}, idx.Captions["a.jpg"])
	assert.Equal(t, SplitVal, idx.Splits["a.jpg"], "last split wins")
	assert.Equal(t, SplitTest, idx.Splits["b.jpg"])
	assert.Equal(t, 3, idx.Entries)
	assert.Zero(t, idx.Relabeled)
}

func TestBuildIndexZeroCaptionEntries(t *testing.T) {
	images := []AnnotatedImage{
		{Filename: "empty.jpg", Split: "val"},
		{Filename: "full.jpg", Split: "val", Sentences: []Sentence{{Raw: "x"}}},
	}

	idx, err := BuildIndex(images, nil)
	require.NoError(t, err)

	_, ok := idx.Captions["empty.jpg"]
	assert.False(t, ok)
	assert.Equal(t, SplitVal, idx.Splits["empty.jpg"])
	assert.Len(t, idx.Captions, 1)
}

func TestBuildIndexUnknownSplit(t *testing.T) {
	images := []AnnotatedImage{
		{Filename: "a.jpg", Split: "train", Sentences: []Sentence{{Raw: "a"}}},
		{Filename: "b.jpg", Split: "holdout", Sentences: []Sentence{{Raw: "b"}}},
	}

	_, err := BuildIndex(images, nil)
	require.ErrorIs(t, err, ErrUnknownSplit)
	assert.Contains(t, err.Error(), "b.jpg")
}

func TestBuildIndexRelabelProbabilityZero(t *testing.T) {
	images := testEntries(200)

	idx, err := BuildIndex(images, &Relabel{Probability: 0, Rand: rand.New(rand.NewPCG(7, 0))})
	require.NoError(t, err)

	assert.Zero(t, idx.Relabeled)
	for _, img := range images {
		assert.Equal(t, Split(img.Split), idx.Splits[img.Filename])
	}
}

func TestBuildIndexRelabelProbabilityOne(t *testing.T) {
	images := testEntries(200)

	idx, err := BuildIndex(images, &Relabel{Probability: 1, Rand: rand.New(rand.NewPCG(7, 0))})
	require.NoError(t, err)

	assert.Equal(t, 50, idx.Relabeled)
	assert.Zero(t, idx.SplitCounts()[SplitTest])
	for _, img := range images {
		want := Split(img.Split)
		if want == SplitTest {
			want = SplitTrain
		}
		assert.Equal(t, want, idx.Splits[img.Filename])
	}
}

func TestBuildIndexRelabelIsDeterministic(t *testing.T) {
	images := testEntries(400)

	build := func(seed uint64) *Index {
		relabel := &Relabel{Probability: 0.5, Rand: rand.New(rand.NewPCG(seed, 0))}
		idx, err := BuildIndex(images, relabel)
		require.NoError(t, err)
		return idx
	}

	first, second := build(42), build(42)
	assert.Equal(t, first.Splits, second.Splits)
	assert.Equal(t, first.Relabeled, second.Relabeled)

	// 100 test entries at p=0.5
	assert.Greater(t, first.Relabeled, 0)
	assert.Less(t, first.Relabeled, 100)
}

func TestBuildIndexRelabelValidation(t *testing.T) {
	images := testEntries(4)

	_, err := BuildIndex(images, &Relabel{Probability: 0.5})
	assert.ErrorIs(t, err, ErrConfig)

	_, err = BuildIndex(images, &Relabel{Probability: 1.5, Rand: rand.New(rand.NewPCG(0, 0))})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestReadAnnotations(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadAnnotations(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	malformed := filepath.Join(dir, "malformed.json")
	require.NoError(t, os.WriteFile(malformed, []byte(`{"images": [`), 0644))
	_, err = ReadAnnotations(malformed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), malformed)

	root := writeFixture(t, testImages(2))
	af, err := ReadAnnotations(filepath.Join(root, "karpathy", "dataset_coco.json"))
	require.NoError(t, err)
	assert.Len(t, af.Images, 8)
	assert.Len(t, af.Images[0].Sentences, 2)
}
