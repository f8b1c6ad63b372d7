// Package karpathy converts the COCO captioning dataset, as described by the
// Karpathy split annotations, into one Parquet file per split.
//
// The conversion is a linear pipeline: parse annotations, build the caption and
// split indices, enumerate images, shuffle, join against the caption index, read
// image bytes and write the four split files. Any failure aborts the run.
package karpathy

import (
	"errors"
	"fmt"
)

// Split is a named partition of the dataset.
type Split string

const (
	SplitTrain   Split = "train"
	SplitVal     Split = "val"
	SplitRestval Split = "restval"
	SplitTest    Split = "test"
)

// AllSplits is the fixed set of splits, in the order their files are written.
var AllSplits = []Split{SplitTrain, SplitVal, SplitRestval, SplitTest}

var (
	// ErrConfig marks configuration and precondition failures, as opposed to
	// I/O failures.
	ErrConfig = errors.New("configuration error")

	// ErrUnknownSplit is returned for a split label outside AllSplits.
	ErrUnknownSplit = fmt.Errorf("%w: unknown split", ErrConfig)

	// ErrTrainImagesPresent is returned when test->train relabelling is
	// requested but the training image directory already holds images.
	ErrTrainImagesPresent = fmt.Errorf("%w: training images present", ErrConfig)
)

// ParseSplit validates a raw split label.
func ParseSplit(s string) (Split, error) {
	switch sp := Split(s); sp {
	case SplitTrain, SplitVal, SplitRestval, SplitTest:
		return sp, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownSplit, s)
	}
}

func (s Split) valid() bool {
	_, err := ParseSplit(string(s))
	return err == nil
}
