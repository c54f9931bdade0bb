package pdfrender

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// defaultDevice is Ghostscript's 32-bit CMYK TIFF device.
const defaultDevice = "tiff32nc"

// RasterOptions controls how the rasterizer is invoked.
type RasterOptions struct {
	Device      string
	ICCProfile  string
	DPI         int
	StopOnError bool
	FirstPage   bool
}

// Rasterizer renders a PDF page to a CMYK, LZW-compressed TIFF.
type Rasterizer struct {
	tool Tool
}

// NewRasterizer wraps the interpreter tool used for full conversions.
func NewRasterizer(tool Tool) *Rasterizer {
	return &Rasterizer{tool: tool}
}

// Rasterize runs the conversion and verifies that outPath is a non-empty file; a zero
// exit code alone is not accepted as proof of a usable artifact.
func (rasterizer *Rasterizer) Rasterize(
	ctx context.Context,
	pdfPath, outPath string,
	opts RasterOptions,
) (CommandResult, error) {
	if opts.DPI <= 0 {
		return CommandResult{}, ErrInvalidDPI
	}

	if pdfPath == "" || outPath == "" {
		return CommandResult{}, ErrPathRequired
	}

	args := buildGhostscriptArgs(pdfPath, outPath, opts)

	result, runErr := rasterizer.tool.Run(ctx, args...)
	if runErr != nil {
		return result, fmt.Errorf("ghostscript conversion failed: %w", runErr)
	}

	verifyErr := verifyNonEmpty(outPath, ErrOutputMissing)
	if verifyErr != nil {
		return result, verifyErr
	}

	return result, nil
}

// buildGhostscriptArgs constructs the list of command-line arguments for the Ghostscript
// process.
func buildGhostscriptArgs(pdfPath, outPath string, opts RasterOptions) []string {
	device := opts.Device
	if device == "" {
		device = defaultDevice
	}

	args := []string{"-q", "-dNOPAUSE", "-dBATCH", "-dSAFER"} // Quiet, batch, sandboxed.
	if opts.StopOnError {
		args = append(args, "-dPDFSTOPONERROR")
	}

	args = append(args,
		fmt.Sprintf("-r%d", opts.DPI),
		"-sDEVICE="+device,
		"-dColorConversionStrategy=/CMYK",
		"-dProcessColorModel=/DeviceCMYK",
		"-sCompression=lzw",
	)

	if opts.FirstPage {
		// Multi-page TIFF output is out of scope; render page one only.
		args = append(args, "-dFirstPage=1", "-dLastPage=1")
	}

	if profileExists(opts.ICCProfile) {
		// Ghostscript has no -profile switch; the output ICC profile is a -s parameter.
		args = append(args, "-sOutputICCProfile="+opts.ICCProfile)
	}

	return append(args, "-sOutputFile="+escapeOutputFile(outPath), pdfPath)
}

// escapeOutputFile doubles '%' so Ghostscript does not treat it as a page-number
// template in the output file name.
func escapeOutputFile(path string) string {
	return strings.ReplaceAll(path, "%", "%%")
}

func profileExists(path string) bool {
	if path == "" {
		return false
	}

	info, statErr := os.Stat(path)

	return statErr == nil && info.Mode().IsRegular()
}
