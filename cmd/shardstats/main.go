// Command shardstats scans TFRecord shards of caption sequence examples and
// reports per-shard and aggregate statistics: record counts, byte sizes, and
// the caption length distribution. It can also render a caption length
// histogram, which is the input for choosing batch size and queue capacity.
//
// Usage:
//
//	shardstats --pattern 'train-?????-of-00256' --out plots
package main

import (
	"flag"
	"fmt"
	"image/color"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/Noofbiz/captionBowl/prefetch"
	"github.com/Noofbiz/captionBowl/records"
)

type shardReport struct {
	path       string
	numRecords int
	numBytes   int64
}

func main() {
	patternFlag := flag.String("pattern", "", "comma-separated glob pattern(s) for TFRecord shards")
	imageFeature := flag.String("image-feature", "image/data", "context feature holding the encoded image")
	captionFeature := flag.String("caption-feature", "image/caption_ids", "feature list holding the caption token ids")
	flipFeature := flag.String("flip-caption-feature", "", "feature list holding the flipped caption ids (optional; checked when set)")
	outDir := flag.String("out", "", "if set, write a caption length histogram PNG to this directory")
	verbose := flag.Bool("v", false, "show a progress bar while scanning")
	flag.Parse()

	if *patternFlag == "" {
		log.Fatal("--pattern is required")
	}
	shards, err := prefetch.Glob(*patternFlag)
	if err != nil {
		log.Fatalf("bad pattern: %v", err)
	}
	if len(shards) == 0 {
		log.Fatalf("no shards match %q", *patternFlag)
	}
	log.Printf("Scanning %d shards matching %q", len(shards), *patternFlag)

	var pBar *progressbar.ProgressBar
	if *verbose {
		pBar = progressbar.NewOptions(len(shards),
			progressbar.OptionSetDescription("Scanning"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("shards"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}

	var reports []shardReport
	var lengths []int
	var totalBytes int64
	for _, path := range shards {
		rep, shardLengths, err := scanShard(path, *imageFeature, *captionFeature, *flipFeature)
		if err != nil {
			log.Fatalf("scan %s: %v", path, err)
		}
		reports = append(reports, rep)
		lengths = append(lengths, shardLengths...)
		totalBytes += rep.numBytes
		if pBar != nil {
			_ = pBar.Add(1)
		}
	}
	if pBar != nil {
		fmt.Println()
	}

	for _, rep := range reports {
		log.Printf("%s: %s records, %s", filepath.Base(rep.path),
			humanize.Comma(int64(rep.numRecords)), humanize.Bytes(uint64(rep.numBytes)))
	}
	log.Printf("Total: %s records in %d shards, %s",
		humanize.Comma(int64(len(lengths))), len(reports), humanize.Bytes(uint64(totalBytes)))

	if len(lengths) > 0 {
		minLen, maxLen, mean, median := lengthSummary(lengths)
		log.Printf("Caption length: min=%d max=%d mean=%.2f median=%d", minLen, maxLen, mean, median)
	}

	if *outDir != "" {
		outPath := filepath.Join(*outDir, "caption_lengths.png")
		if err := plotLengths(lengths, outPath); err != nil {
			log.Fatalf("failed to generate plot: %v", err)
		}
		log.Printf("Caption length histogram written to %s", outPath)
	}
}

// scanShard walks every record of one shard, checking that each parses as a
// caption sequence example, and collects caption lengths.
func scanShard(path, imageFeature, captionFeature, flipFeature string) (shardReport, []int, error) {
	f, err := os.Open(path)
	if err != nil {
		return shardReport{}, nil, err
	}
	defer f.Close()

	rep := shardReport{path: path}
	if info, err := f.Stat(); err == nil {
		rep.numBytes = info.Size()
	}

	var lengths []int
	r := records.NewReader(f)
	for {
		raw, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rep, nil, err
		}
		ex, err := records.ParseSequenceExample(raw, imageFeature, captionFeature, flipFeature)
		if err != nil {
			return rep, nil, fmt.Errorf("record %d: %w", rep.numRecords, err)
		}
		rep.numRecords++
		lengths = append(lengths, len(ex.Caption))
	}
	return rep, lengths, nil
}

func lengthSummary(lengths []int) (minLen, maxLen int, mean float64, median int) {
	sorted := append([]int(nil), lengths...)
	sort.Ints(sorted)
	minLen = sorted[0]
	maxLen = sorted[len(sorted)-1]
	median = sorted[len(sorted)/2]
	sum := 0
	for _, l := range lengths {
		sum += l
	}
	mean = float64(sum) / float64(len(lengths))
	return
}

// plotLengths writes a PNG histogram of caption lengths.
func plotLengths(lengths []int, outPath string) error {
	p := plot.New()
	p.Title.Text = "Caption lengths"
	p.X.Label.Text = "tokens"
	p.Y.Label.Text = "captions"

	values := make(plotter.Values, len(lengths))
	maxLen := 0.0
	for i, l := range lengths {
		values[i] = float64(l)
		maxLen = math.Max(maxLen, float64(l))
	}
	bins := int(maxLen)
	if bins < 1 {
		bins = 1
	}
	h, err := plotter.NewHist(values, bins)
	if err != nil {
		return err
	}
	h.FillColor = color.RGBA{R: 20, G: 80, B: 200, A: 220}
	p.Add(h)

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 6*vg.Inch, outPath)
}
