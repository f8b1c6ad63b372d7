package karpathy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fixtureImage struct {
	filename string
	split    Split
	captions []string
	dir      string // "train2014", "val2014" or "" for annotation-only entries
}

// writeFixture lays out a dataset root with annotations and image files and
// returns the root. Image contents are derived from the file name. An image
// without a split is written to disk but left out of the annotations.
func writeFixture(t *testing.T, images []fixtureImage) string {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "karpathy"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "train2014"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "val2014"), 0755))

	var af AnnotationFile
	for _, img := range images {
		if img.split != "" {
			entry := AnnotatedImage{Filename: img.filename, Split: string(img.split)}
			for _, c := range img.captions {
				entry.Sentences = append(entry.Sentences, Sentence{Raw: c})
			}
			af.Images = append(af.Images, entry)
		}

		if img.dir != "" {
			path := filepath.Join(root, img.dir, img.filename)
			require.NoError(t, os.WriteFile(path, imageBytes(img.filename), 0644))
		}
	}

	contents, err := json.Marshal(af)
	require.NoError(t, err)
	require.NoError(
		t,
		os.WriteFile(filepath.Join(root, "karpathy", "dataset_coco.json"), contents, 0644),
	)
	return root
}

func imageBytes(name string) []byte {
	return append([]byte{0xff, 0xd8, 0x00, 0x01}, []byte(name)...)
}

// testImages returns n val2014 images per split, each with two captions.
func testImages(n int) []fixtureImage {
	var images []fixtureImage
	for _, split := range AllSplits {
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("COCO_val2014_%s_%06d.jpg", split, i)
			images = append(images, fixtureImage{
				filename: name,
				split:    split,
				captions: []string{"a caption of " + name, "another caption"},
				dir:      "val2014",
			})
		}
	}
	return images
}
