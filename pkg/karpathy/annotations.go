package karpathy

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
)

// AnnotationFile is the Karpathy split document (dataset_coco.json).
type AnnotationFile struct {
	Images []AnnotatedImage `json:"images"`
}

// AnnotatedImage is one image entry of the annotation file.
type AnnotatedImage struct {
	Filename  string     `json:"filename"`
	Split     string     `json:"split"`
	Sentences []Sentence `json:"sentences"`
}

// Sentence is one human-written caption. Only the raw text is kept.
type Sentence struct {
	Raw string `json:"raw"`
}

// Relabel moves a fraction of the test split into train. Each test entry
// draws exactly one value from Rand, so decisions only depend on the seed and
// the order of the annotation file.
type Relabel struct {
	Probability float64
	Rand        *rand.Rand
}

// Index maps image filenames to their captions and split.
//
// A filename only has a Captions entry once at least one caption has been seen
// for it. Entries without sentences therefore never join against an image and
// are counted as dropped by Join.
type Index struct {
	Captions  map[string][]string
	Splits    map[string]Split
	Entries   int // annotation entries processed
	Relabeled int // test entries moved to train
}

// ReadAnnotations decodes the annotation file at path.
func ReadAnnotations(path string) (*AnnotationFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening annotations: %w", err)
	}
	defer f.Close()

	var af AnnotationFile
	if err := json.NewDecoder(f).Decode(&af); err != nil {
		return nil, fmt.Errorf("decoding annotations %q: %w", path, err)
	}
	return &af, nil
}

// BuildIndex builds the caption and split indices from annotation entries, in
// order. A nil relabel disables test->train relabelling.
func BuildIndex(images []AnnotatedImage, relabel *Relabel) (*Index, error) {
	if relabel != nil {
		if relabel.Rand == nil {
			return nil, fmt.Errorf("%w: relabel requires a random source", ErrConfig)
		} else if relabel.Probability < 0 || relabel.Probability > 1 {
			return nil, fmt.Errorf(
				"%w: relabel probability %f not in [0, 1]",
				ErrConfig,
				relabel.Probability,
			)
		}
	}

	idx := &Index{
		Captions: make(map[string][]string, len(images)),
		Splits:   make(map[string]Split, len(images)),
	}
	for i, img := range images {
		split, err := ParseSplit(img.Split)
		if err != nil {
			return nil, fmt.Errorf("entry %d (%s): %w", i, img.Filename, err)
		}
		if relabel != nil && split == SplitTest {
			if relabel.Rand.Float64() < relabel.Probability {
				split = SplitTrain
				idx.Relabeled++
			}
		}
		idx.Splits[img.Filename] = split
		for _, s := range img.Sentences {
			idx.Captions[img.Filename] = append(idx.Captions[img.Filename], s.Raw)
		}
		idx.Entries++
	}
	return idx, nil
}

// LoadIndex reads the annotation file at path and builds its index.
func LoadIndex(path string, relabel *Relabel) (*Index, error) {
	af, err := ReadAnnotations(path)
	if err != nil {
		return nil, err
	}
	return BuildIndex(af.Images, relabel)
}

// SplitCounts returns the number of indexed filenames per split.
func (idx *Index) SplitCounts() map[Split]int {
	counts := make(map[Split]int, len(AllSplits))
	for _, s := range idx.Splits {
		counts[s]++
	}
	return counts
}
