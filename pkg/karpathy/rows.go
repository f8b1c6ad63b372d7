package karpathy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// Row is one record of a split file.
type Row struct {
	Image    []byte
	Captions []string
	ImageID  string // image filename
	Split    Split
}

// JoinStats reports how many enumerated images survived the join.
type JoinStats struct {
	Enumerated int
	Matched    int
	Dropped    int
}

// Join keeps the paths whose filename has captions in idx, preserving order.
func Join(paths []string, idx *Index) ([]string, JoinStats) {
	matched := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := idx.Captions[filepath.Base(p)]; ok {
			matched = append(matched, p)
		}
	}
	return matched, JoinStats{
		Enumerated: len(paths),
		Matched:    len(matched),
		Dropped:    len(paths) - len(matched),
	}
}

// MaterializeRows reads every image in paths fully into memory and builds its
// row. Rows are returned in the order of paths. The first read failure aborts
// the remaining reads and is returned with the offending path.
func MaterializeRows(
	ctx context.Context,
	paths []string,
	idx *Index,
	concurrency int,
	bar *progressbar.ProgressBar,
) ([]Row, error) {
	var (
		rows   = make([]Row, len(paths))
		eg, gc = errgroup.WithContext(ctx)
	)
	eg.SetLimit(max(concurrency, 1))
	for i, p := range paths {
		eg.Go(func() error {
			if err := gc.Err(); err != nil {
				return err
			}
			row, err := rowFromPath(p, idx)
			if err != nil {
				return err
			}
			rows[i] = row
			if bar != nil {
				bar.Add(1)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("materializing rows: %w", err)
	}
	return rows, nil
}

func rowFromPath(path string, idx *Index) (Row, error) {
	name := filepath.Base(path)
	captions, ok := idx.Captions[name]
	if !ok {
		return Row{}, fmt.Errorf("image %q has no captions", path)
	}
	split, ok := idx.Splits[name]
	if !ok {
		return Row{}, fmt.Errorf("image %q has no split", path)
	}
	binary, err := os.ReadFile(path)
	if err != nil {
		return Row{}, fmt.Errorf("reading image %q: %w", path, err)
	}
	return Row{
		Image:    binary,
		Captions: captions,
		ImageID:  name,
		Split:    split,
	}, nil
}

// Partition groups rows by split, preserving order within each group. Every
// split in AllSplits has an entry, possibly empty.
func Partition(rows []Row) (map[Split][]Row, error) {
	groups := make(map[Split][]Row, len(AllSplits))
	for _, s := range AllSplits {
		groups[s] = nil
	}
	for _, row := range rows {
		if !row.Split.valid() {
			return nil, fmt.Errorf("row %q: %w %q", row.ImageID, ErrUnknownSplit, row.Split)
		}
		groups[row.Split] = append(groups[row.Split], row)
	}
	return groups, nil
}
