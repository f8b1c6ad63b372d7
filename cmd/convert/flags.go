package main

import (
	"flag"
	"runtime"

	"github.com/vilt-go/vilt/pkg/karpathy"
)

var (
	flagRoot = flag.String(
		"root",
		"",
		"The COCO dataset root, holding karpathy/dataset_coco.json, train2014/ and val2014/",
	)
	flagOutput = flag.String(
		"output",
		"",
		"The directory to write the split files to. Created if missing",
	)
	flagDataset = flag.String(
		"dataset",
		"coco",
		"The dataset name, used as the split file name prefix",
	)
	flagAnnotations = flag.String(
		"annotations",
		"",
		"Path of the Karpathy annotation file. Defaults to <root>/karpathy/dataset_coco.json",
	)
	flagTrainDir = flag.String(
		"train-dir",
		"",
		"Directory of the training images. Defaults to <root>/train2014",
	)
	flagValDir = flag.String(
		"val-dir",
		"",
		"Directory of the validation images. Defaults to <root>/val2014",
	)
	flagExt = flag.String(
		"ext",
		karpathy.DefaultImageExt,
		"Extension of the image files to pick up",
	)
	flagPartTest2Train = flag.Bool(
		"part-test2train",
		false,
		"Relabel a fraction of the test split into train. Requires the training image directory to be empty",
	)
	flagRelabelProbability = flag.Float64(
		"relabel-probability",
		karpathy.DefaultRelabelProbability,
		"The probability that a test image is relabelled into train, with -part-test2train",
	)
	flagSeed = flag.Uint64(
		"seed",
		0,
		"Seed of the random source used for relabelling and shuffling",
	)
	flagConcurrency = flag.Int(
		"concurrency",
		runtime.NumCPU(),
		"The number of images to read in parallel",
	)
	flagLogFile = flag.String(
		"log-file",
		"",
		"Also write JSON logs to this file (optional)",
	)
	flagS3Bucket = flag.String(
		"s3-bucket",
		"",
		"Upload the split files to this S3 bucket after a successful run (optional)",
	)
	flagS3Prefix = flag.String(
		"s3-prefix",
		"",
		"Key prefix of the uploaded split files",
	)
)
