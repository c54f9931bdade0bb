// Command detect-blank analyzes a PNG or TIFF image and exits with a code indicating
// whether the image is blank (mostly white) or contains content.
//
// Usage: detect-blank <filepath> <fuzz_percent> <non_white_threshold>
// - fuzz_percent: 0..100 tolerated deviation from pure white (higher = more tolerant)
// - non_white_threshold: 0.0..1.0 minimum ratio of non-white pixels to consider content
//
// Exit codes:
//
//	0 = blank image
//	1 = image has content
//	2 = error (bad args, cannot open/parse image, etc.)
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/book-expert/pdf-to-tiff-service/internal/blank"
)

var ErrInvalidArguments = errors.New("invalid number of arguments")

// arguments holds the parsed and validated command-line arguments.
type arguments struct {
	filePath   string
	fuzzFactor float64
	threshold  float64
}

// Exit codes used by this tool to communicate with callers.
const (
	exitCodeBlank    = 0 // The image is blank.
	exitCodeNotBlank = 1 // The image has content.
	exitCodeError    = 2 // An error occurred (e.g., bad arguments, file not found).

	expectedArgCount = 4
)

func main() {
	os.Exit(run(os.Args))
}

// run parses args, analyses the image and returns the process exit code.
func run(rawArgs []string) int {
	args, err := parseAndValidateArguments(rawArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Argument error: %v\n", err)

		return exitCodeError
	}

	report, err := blank.Analyze(args.filePath, args.fuzzFactor, args.threshold)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Image analysis error: %v\n", err)

		return exitCodeError
	}

	if report.HasContent {
		return exitCodeNotBlank
	}

	return exitCodeBlank
}

// parseAndValidateArguments processes the raw command-line arguments.
func parseAndValidateArguments(args []string) (arguments, error) {
	if len(args) != expectedArgCount {
		return arguments{}, fmt.Errorf(
			"expected 3 arguments, but got %d. Usage: <program> <filepath> <fuzz_percent> <threshold>: %w",
			len(args)-1,
			ErrInvalidArguments,
		)
	}

	fuzzFactor, err := blank.ParseFuzz(args[2])
	if err != nil {
		return arguments{}, err
	}

	threshold, err := blank.ParseThreshold(args[3])
	if err != nil {
		return arguments{}, err
	}

	return arguments{
		filePath:   args[1],
		fuzzFactor: fuzzFactor,
		threshold:  threshold,
	}, nil
}
