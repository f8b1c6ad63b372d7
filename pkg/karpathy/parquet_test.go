package karpathy

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFileName(t *testing.T) {
	assert.Equal(t, "coco_caption_karpathy_restval.parquet", SplitFileName("coco", SplitRestval))
	assert.Equal(t, "f30k_caption_karpathy_test.parquet", SplitFileName("f30k", SplitTest))
}

func TestSplitFileRoundTrip(t *testing.T) {
	rows := []Row{
		{
			Image:    []byte{0xff, 0xd8, 0x00, 0x10, 0x80, 0xff},
			Captions: []string{"A man riding a wave.", "Surfer on a board."},
			ImageID:  "COCO_val2014_000000000042.jpg",
			Split:    SplitVal,
		},
		{
			Image:    imageBytes("second"),
			Captions: []string{"Une légende accentuée."},
			ImageID:  "COCO_val2014_000000000073.jpg",
			Split:    SplitVal,
		},
	}
	path := filepath.Join(t.TempDir(), SplitFileName("coco", SplitVal))

	require.NoError(t, WriteSplitFile(path, rows))
	got, err := ReadSplitFile(path)
	require.NoError(t, err)

	assert.Equal(t, rows, got)
}

func TestWriteSplits(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "arrow")
	groups := map[Split][]Row{
		SplitTrain: {{Image: []byte("t"), Captions: []string{"t"}, ImageID: "t.jpg", Split: SplitTrain}},
		SplitTest: {
			{Image: []byte("x"), Captions: []string{"x"}, ImageID: "x.jpg", Split: SplitTest},
			{Image: []byte("y"), Captions: []string{"y"}, ImageID: "y.jpg", Split: SplitTest},
		},
	}

	files, err := WriteSplits(dir, "coco", groups)
	require.NoError(t, err)
	require.Len(t, files, len(AllSplits))

	for _, split := range AllSplits {
		assert.Equal(t, filepath.Join(dir, SplitFileName("coco", split)), files[split])
		assert.FileExists(t, files[split])
	}

	got, err := ReadSplitFile(files[SplitTest])
	require.NoError(t, err)
	assert.Equal(t, groups[SplitTest], got)
}

func TestWriteSplitsRejectsMisfiledRows(t *testing.T) {
	groups := map[Split][]Row{
		SplitVal: {{Image: []byte("t"), Captions: []string{"t"}, ImageID: "t.jpg", Split: SplitTrain}},
	}

	files, err := WriteSplits(t.TempDir(), "coco", groups)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "t.jpg")
	// train is written before val and is kept
	assert.Contains(t, files, SplitTrain)
}
