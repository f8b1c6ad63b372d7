package karpathy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
)

// SplitFileExt is the extension of the produced split files.
const SplitFileExt = ".parquet"

// splitRecord is the on-disk schema of a split file. Parquet BYTE_ARRAY
// columns map to Go strings, the image column carries raw bytes.
type splitRecord struct {
	Image   string   `parquet:"name=image, type=BYTE_ARRAY"`
	Caption []string `parquet:"name=caption, type=MAP, convertedtype=LIST, valuetype=BYTE_ARRAY, valueconvertedtype=UTF8"`
	ImageID string   `parquet:"name=image_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Split   string   `parquet:"name=split, type=BYTE_ARRAY, convertedtype=UTF8"`
}

const (
	writerParallelism = 4
	readerParallelism = 4
	rowGroupSize      = 128 * 1024 * 1024 // 128 MiB
)

// SplitFileName is the file name of a split file of the given dataset, e.g.
// "coco_caption_karpathy_train.parquet".
func SplitFileName(dataset string, split Split) string {
	return fmt.Sprintf("%s_caption_karpathy_%s%s", dataset, split, SplitFileExt)
}

// WriteSplitFile writes rows to a new Parquet file at path, in order.
func WriteSplitFile(path string, rows []Row) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("creating %q: %w", path, err)
	}
	defer fw.Close()

	pw, err := writer.NewParquetWriter(fw, new(splitRecord), writerParallelism)
	if err != nil {
		return fmt.Errorf("creating parquet writer for %q: %w", path, err)
	}
	pw.RowGroupSize = rowGroupSize
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		rec := splitRecord{
			Image:   string(row.Image),
			Caption: row.Captions,
			ImageID: row.ImageID,
			Split:   string(row.Split),
		}
		if err := pw.Write(rec); err != nil {
			return fmt.Errorf("writing row %q to %q: %w", row.ImageID, path, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finalizing %q: %w", path, err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("closing %q: %w", path, err)
	}
	return nil
}

// WriteSplits writes one file per split into dir, creating dir if needed.
// Splits are written in AllSplits order; a split without rows still gets a
// file. Files already written are left in place if a later split fails.
func WriteSplits(dir, dataset string, groups map[Split][]Row) (map[Split]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	written := make(map[Split]string, len(AllSplits))
	for _, split := range AllSplits {
		rows := groups[split]
		for _, row := range rows {
			if row.Split != split {
				return written, fmt.Errorf(
					"row %q has split %q, expected %q",
					row.ImageID,
					row.Split,
					split,
				)
			}
		}
		path := filepath.Join(dir, SplitFileName(dataset, split))
		if err := WriteSplitFile(path, rows); err != nil {
			return written, fmt.Errorf("writing %s split: %w", split, err)
		}
		written[split] = path
	}
	return written, nil
}

// ReadSplitFile reads every row of the split file at path.
func ReadSplitFile(path string) ([]Row, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading split file: %w", err)
	}
	rows, err := ReadSplitBytes(contents)
	if err != nil {
		return nil, fmt.Errorf("decoding split file %q: %w", path, err)
	}
	return rows, nil
}

// ReadSplitBytes decodes the rows of an in-memory split file.
func ReadSplitBytes(contents []byte) ([]Row, error) {
	bf := buffer.NewBufferFileFromBytesNoAlloc(contents)
	pr, err := reader.NewParquetReader(bf, new(splitRecord), readerParallelism)
	if err != nil {
		return nil, fmt.Errorf("creating parquet reader: %w", err)
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	if n == 0 {
		return nil, nil
	}
	recs := make([]splitRecord, n)
	if err := pr.Read(&recs); err != nil {
		return nil, fmt.Errorf("reading rows: %w", err)
	}

	rows := make([]Row, n)
	for i, rec := range recs {
		split, err := ParseSplit(rec.Split)
		if err != nil {
			return nil, fmt.Errorf("row %d (%s): %w", i, rec.ImageID, err)
		}
		rows[i] = Row{
			Image:    []byte(rec.Image),
			Captions: rec.Caption,
			ImageID:  rec.ImageID,
			Split:    split,
		}
	}
	return rows, nil
}
