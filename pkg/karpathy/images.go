package karpathy

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
)

// DefaultImageExt is the extension of the COCO image files.
const DefaultImageExt = ".jpg"

// ListImages lists the files in root ending in ext, sorted by name.
// A root that does not exist lists as empty.
func ListImages(root, ext string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading image directory %q: %w", root, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ext) {
			continue
		}
		paths = append(paths, filepath.Join(root, entry.Name()))
	}
	return paths, nil
}

// EnumerateImages concatenates the listings of each root, in root order.
func EnumerateImages(roots []string, ext string) ([]string, error) {
	var paths []string
	for _, root := range roots {
		listed, err := ListImages(root, ext)
		if err != nil {
			return nil, err
		}
		paths = append(paths, listed...)
	}
	return paths, nil
}

// CheckEmpty fails with ErrTrainImagesPresent if root holds any image.
func CheckEmpty(root, ext string) error {
	paths, err := ListImages(root, ext)
	if err != nil {
		return err
	}
	if len(paths) > 0 {
		return fmt.Errorf(
			"%w: %d images in %q, relabelling test images into train requires it to be empty",
			ErrTrainImagesPresent,
			len(paths),
			root,
		)
	}
	return nil
}

// Shuffle shuffles paths in place using rng.
func Shuffle(paths []string, rng *rand.Rand) {
	rng.Shuffle(len(paths), func(i, j int) {
		paths[i], paths[j] = paths[j], paths[i]
	})
}
