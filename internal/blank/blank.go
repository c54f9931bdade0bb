// Package blank decides whether a rendered page is blank (mostly white) or carries
// content. PNG and TIFF inputs are supported, including CMYK TIFFs.
package blank

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/png" // Import the PNG decoder.
	"os"
	"strconv"

	_ "golang.org/x/image/tiff" // Import the TIFF decoder.
)

var (
	ErrInvalidFuzzPercent = errors.New("fuzz percentage must be between 0 and 100")
	ErrInvalidThreshold   = errors.New(
		"non-white threshold must be between 0.0 and 1.0",
	)
	ErrImageZeroPixels = errors.New("image has zero pixels")
)

const (
	// DefaultFuzzPercent tolerates light scanner noise.
	DefaultFuzzPercent = 5
	// DefaultThreshold is the non-white ratio at which a page counts as content.
	DefaultThreshold = 0.001

	percentToRatio = 100.0
	maxColorValue  = 255.0
	bitsToShift    = 8
)

// Report is the result of analysing one image.
type Report struct {
	NonWhiteRatio float64
	HasContent    bool
}

// Analyze loads the image at filePath and compares its non-white ratio with threshold.
// fuzzFactor is the tolerated deviation from pure white as a ratio (0..1).
func Analyze(filePath string, fuzzFactor, threshold float64) (Report, error) {
	img, err := LoadImage(filePath)
	if err != nil {
		return Report{}, err
	}

	ratio, err := NonWhiteRatio(img, fuzzFactor)
	if err != nil {
		return Report{}, err
	}

	return Report{NonWhiteRatio: ratio, HasContent: ratio >= threshold}, nil
}

// ParseFuzz parses a fuzz percentage (0..100) and returns it as a ratio.
func ParseFuzz(fuzzStr string) (float64, error) {
	fuzzPercent, err := strconv.Atoi(fuzzStr)
	if err != nil {
		return 0, fmt.Errorf("invalid fuzz percentage '%s': %w", fuzzStr, err)
	}

	if fuzzPercent < 0 || fuzzPercent > 100 {
		return 0, fmt.Errorf(
			"fuzz percentage must be between 0 and 100, got %d: %w",
			fuzzPercent,
			ErrInvalidFuzzPercent,
		)
	}

	return float64(fuzzPercent) / percentToRatio, nil
}

// ParseThreshold parses and validates the non-white threshold string.
func ParseThreshold(thresholdStr string) (float64, error) {
	threshold, err := strconv.ParseFloat(thresholdStr, 64)
	if err != nil {
		return 0, fmt.Errorf(
			"invalid non-white threshold '%s': %w",
			thresholdStr,
			err,
		)
	}

	if threshold < 0 || threshold > 1.0 {
		return 0, fmt.Errorf(
			"non-white threshold must be between 0.0 and 1.0, got %f: %w",
			threshold,
			ErrInvalidThreshold,
		)
	}

	return threshold, nil
}

// LoadImage opens and decodes an image file.
func LoadImage(filePath string) (img image.Image, err error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("could not open file %s: %w", filePath, err)
	}

	defer func() {
		closeErr := file.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("failed to close file %s: %w", filePath, closeErr)
		}
	}()

	img, _, err = image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf(
			"could not decode image file %s: %w",
			filePath,
			err,
		)
	}

	return img, nil
}

// NonWhiteRatio returns the share of pixels darker than the fuzz-adjusted white level.
func NonWhiteRatio(img image.Image, fuzzFactor float64) (float64, error) {
	bounds := img.Bounds()

	totalPixels := float64(bounds.Dx() * bounds.Dy())
	if totalPixels == 0 {
		return 0, ErrImageZeroPixels
	}

	return countNonWhitePixels(img, fuzzFactor) / totalPixels, nil
}

// HasContent reports whether the non-white ratio reaches threshold.
func HasContent(img image.Image, fuzzFactor, threshold float64) (bool, error) {
	ratio, err := NonWhiteRatio(img, fuzzFactor)
	if err != nil {
		return false, err
	}

	return ratio >= threshold, nil
}

func countNonWhitePixels(img image.Image, fuzzFactor float64) float64 {
	nonWhiteCount := 0.0
	whiteThreshold := uint32((1.0 - fuzzFactor) * maxColorValue)

	visitPixels(img, func(c color.Color) {
		if isNonWhite(c, whiteThreshold) {
			nonWhiteCount++
		}
	})

	return nonWhiteCount
}

func visitPixels(img image.Image, visitor func(c color.Color)) {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			visitor(img.At(x, y))
		}
	}
}

// isNonWhite checks if a single pixel's color is considered non-white. CMYK pixels
// are converted through their RGBA view.
func isNonWhite(c color.Color, whiteThreshold uint32) bool {
	r, g, b, _ := c.RGBA()

	r8, g8, b8 := r>>bitsToShift, g>>bitsToShift, b>>bitsToShift

	return r8 < whiteThreshold || g8 < whiteThreshold || b8 < whiteThreshold
}
