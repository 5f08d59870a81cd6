// Command buildshards generates synthetic TFRecord shards of caption sequence
// examples, for exercising the input pipeline without a real dataset: each
// record holds a small encoded PNG, a random token caption, and optionally the
// flipped caption variant.
//
// Usage:
//
//	buildshards --out data --shards 4 --records 256 --flip
package main

import (
	"bytes"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"

	"github.com/Noofbiz/captionBowl/records"
)

func main() {
	outDir := flag.String("out", "data", "output directory for the generated shards")
	numShards := flag.Int("shards", 4, "number of shards to write")
	recordsPerShard := flag.Int("records", 256, "records per shard")
	imageSize := flag.Int("image-size", 64, "width and height of the generated images")
	vocabSize := flag.Int("vocab", 1000, "token ids are drawn from [1, vocab)")
	minLen := flag.Int("min-len", 3, "minimum caption length")
	maxLen := flag.Int("max-len", 20, "maximum caption length")
	withFlip := flag.Bool("flip", false, "also write the flipped caption variant")
	imageFeature := flag.String("image-feature", "image/data", "context feature holding the encoded image")
	captionFeature := flag.String("caption-feature", "image/caption_ids", "feature list holding the caption token ids")
	flipFeature := flag.String("flip-caption-feature", "image/flip_caption_ids", "feature list for the flipped caption (with --flip)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	if *minLen < 1 || *maxLen < *minLen {
		log.Fatalf("bad caption length range [%d, %d]", *minLen, *maxLen)
	}
	must.M(os.MkdirAll(*outDir, 0o755))

	rng := rand.New(rand.NewSource(*seed))
	total := *numShards * *recordsPerShard
	pBar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Generating"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("records"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)

	var totalBytes int64
	for s := 0; s < *numShards; s++ {
		path := filepath.Join(*outDir, fmt.Sprintf("train-%05d-of-%05d", s, *numShards))
		f := must.M1(os.Create(path))
		w := records.NewWriter(f)
		for i := 0; i < *recordsPerShard; i++ {
			img := encodeImage(rng, *imageSize)
			caption := randomCaption(rng, *vocabSize, *minLen, *maxLen)
			flipName, flipCaption := "", []int64(nil)
			if *withFlip {
				flipName, flipCaption = *flipFeature, flippedCaption(caption)
			}
			raw := records.BuildSequenceExample(*imageFeature, img, *captionFeature, caption, flipName, flipCaption)
			must.M(w.Write(raw))
			totalBytes += int64(len(raw))
			_ = pBar.Add(1)
		}
		must.M(w.Flush())
		must.M(f.Close())
	}
	fmt.Println()
	log.Printf("Wrote %s records (%s payload) across %d shards in %s",
		humanize.Comma(int64(total)), humanize.Bytes(uint64(totalBytes)), *numShards, *outDir)
}

// encodeImage renders a small two-band gradient PNG. The bands give the image
// a detectable left/right asymmetry, so flipped decoding is visible downstream.
func encodeImage(rng *rand.Rand, size int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	left := color.RGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255}
	right := color.RGBA{R: 255 - left.R, G: 255 - left.G, B: 255 - left.B, A: 255}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if x < size/2 {
				img.Set(x, y, left)
			} else {
				img.Set(x, y, right)
			}
		}
	}
	var buf bytes.Buffer
	must.M(png.Encode(&buf, img))
	return buf.Bytes()
}

func randomCaption(rng *rand.Rand, vocab, minLen, maxLen int) []int64 {
	n := minLen + rng.Intn(maxLen-minLen+1)
	caption := make([]int64, n)
	for i := range caption {
		caption[i] = 1 + int64(rng.Intn(vocab-1))
	}
	return caption
}

func flippedCaption(caption []int64) []int64 {
	out := make([]int64, len(caption))
	for i, v := range caption {
		out[len(caption)-1-i] = v
	}
	return out
}
