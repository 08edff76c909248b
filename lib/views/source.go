// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package views

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"github.com/chithram/fedsync/lib/contrastive"
)

// cloudPrefix marks records whose image lives in the download cache as
// <cache>/<id>.jpg.
const cloudPrefix = "cloud_"

// DefaultSize is the default view edge length in pixels.
const DefaultSize = 64

// Jitter is the strength of one view's color augmentation. Each factor
// is drawn uniformly from [1-x, 1+x].
type Jitter struct {
	Brightness float64
	Contrast   float64
	Saturation float64

	// Grayscale is the probability of dropping color entirely.
	Grayscale float64
}

// Source builds training samples from face records.
type Source struct {
	// CacheDir resolves cloud_ image paths. Empty leaves them as-is.
	CacheDir string

	// Size is the view edge length.
	Size int

	First  Jitter
	Second Jitter

	Rand   *rand.Rand
	Logger *slog.Logger
}

// NewSource returns a source with the stock augmentation.
func NewSource(cacheDir string, size int, seed uint64, logger *slog.Logger) *Source {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Source{
		CacheDir: cacheDir,
		Size:     size,
		First:    Jitter{Brightness: 0.2, Contrast: 0.2, Saturation: 0.2},
		Second:   Jitter{Brightness: 0.3, Contrast: 0.3, Saturation: 0.3, Grayscale: 0.2},
		Rand:     rand.New(rand.NewPCG(seed, ^seed)),
		Logger:   logger,
	}
}

// ViewShape is the shape of one view: channels, height, width.
func (s *Source) ViewShape() []int {
	return []int{3, s.Size, s.Size}
}

// Resolve maps a record's image path to a file path.
func (s *Source) Resolve(imagePath string) string {
	if s.CacheDir != "" && strings.HasPrefix(imagePath, cloudPrefix) {
		return filepath.Join(s.CacheDir, strings.TrimPrefix(imagePath, cloudPrefix)+".jpg")
	}
	return imagePath
}

// Sample produces the view pair for one record. It never fails; the
// degraded flag reports that a placeholder or an uncropped image was
// used.
func (s *Source) Sample(id int64, imagePath, box string) (sample contrastive.Sample, degraded bool) {
	sample.ID = id
	path := s.Resolve(imagePath)

	decoded, err := decode(path)
	if err == nil && decoded.Bounds().Empty() {
		err = fmt.Errorf("%s has no pixels", path)
	}
	if err != nil {
		s.Logger.Warn("image unreadable, using a blank pair", "id", id, "path", path, "error", err)
		size := 3 * s.Size * s.Size
		sample.First = make([]float32, size)
		sample.Second = make([]float32, size)
		return sample, true
	}

	region := decoded.Bounds()
	if parsed, err := ParseBox(box); err != nil {
		s.Logger.Warn("bounding box unusable, using the whole image", "id", id, "box", box, "error", err)
		degraded = true
	} else if clipped, ok := cropBounds(parsed, region); ok {
		region = clipped
	} else {
		s.Logger.Warn("bounding box outside the image, using the whole image", "id", id, "box", box)
		degraded = true
	}

	base := planes(scale(decoded, region, s.Size))
	sample.First = s.augment(base, s.First)
	sample.Second = s.augment(base, s.Second)
	return sample, degraded
}

func decode(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	decoded, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return decoded, nil
}

// scale resamples region of img to a size x size view with bilinear
// interpolation.
func scale(img image.Image, region image.Rectangle, size int) *image.RGBA {
	view := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(view, view.Bounds(), img, region, draw.Src, nil)
	return view
}

// planes converts img to planar RGB in [0, 1].
func planes(img *image.RGBA) []float64 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	area := width * height
	out := make([]float64, 3*area)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			pixel := img.Pix[img.PixOffset(bounds.Min.X+x, bounds.Min.Y+y):]
			index := y*width + x
			out[index] = float64(pixel[0]) / 0xff
			out[area+index] = float64(pixel[1]) / 0xff
			out[2*area+index] = float64(pixel[2]) / 0xff
		}
	}
	return out
}

// augment applies a random horizontal flip and jitter to base and
// normalizes the result to [-1, 1].
func (s *Source) augment(base []float64, jitter Jitter) []float32 {
	size := s.Size
	area := size * size
	view := make([]float64, len(base))
	copy(view, base)

	if s.Rand.Float64() < 0.5 {
		for c := 0; c < 3; c++ {
			for y := 0; y < size; y++ {
				row := view[c*area+y*size : c*area+(y+1)*size]
				for i, j := 0, size-1; i < j; i, j = i+1, j-1 {
					row[i], row[j] = row[j], row[i]
				}
			}
		}
	}

	brightness := s.factor(jitter.Brightness)
	for i := range view {
		view[i] *= brightness
	}

	contrast := s.factor(jitter.Contrast)
	var mean float64
	for i := 0; i < area; i++ {
		mean += luma(view, area, i)
	}
	mean /= float64(area)
	for i := range view {
		view[i] = (view[i]-mean)*contrast + mean
	}

	saturation := s.factor(jitter.Saturation)
	if jitter.Grayscale > 0 && s.Rand.Float64() < jitter.Grayscale {
		saturation = 0
	}
	for i := 0; i < area; i++ {
		gray := luma(view, area, i)
		for c := 0; c < 3; c++ {
			view[c*area+i] = (view[c*area+i]-gray)*saturation + gray
		}
	}

	out := make([]float32, len(view))
	for i, value := range view {
		out[i] = float32((clampFloat(value, 0, 1) - 0.5) / 0.5)
	}
	return out
}

func (s *Source) factor(strength float64) float64 {
	if strength <= 0 {
		return 1
	}
	return 1 - strength + 2*strength*s.Rand.Float64()
}

func luma(view []float64, area, index int) float64 {
	return 0.299*view[index] + 0.587*view[area+index] + 0.114*view[2*area+index]
}

func clampFloat(value, low, high float64) float64 {
	return max(low, min(high, value))
}
