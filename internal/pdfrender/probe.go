package pdfrender

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	errNoPageCount      = errors.New("could not parse page count from probe output")
	errNoEncryptionFlag = errors.New("could not parse encryption flag from probe output")
)

// passwordMarkers are fragments the interpreter prints when a document cannot be
// opened without a password.
var passwordMarkers = []string{"password", "encrypted", "decrypt"}

// psString quotes a filesystem path as a PostScript string literal body.
func psString(path string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)

	return replacer.Replace(path)
}

// buildProbeArgs constructs a display-less, read-only interpreter invocation that
// opens pdfPath and then runs the given PostScript snippet.
func buildProbeArgs(pdfPath, program string) []string {
	code := fmt.Sprintf("(%s) (r) file runpdfbegin", psString(pdfPath))
	if program != "" {
		code += " " + program
	}

	return []string{
		"-q", "-dNODISPLAY", "-dNOPAUSE", "-dBATCH", "-dSAFER",
		"--permit-file-read=" + pdfPath, // The only file the probe may open.
		"-c", code + " quit",
	}
}

// probeReadable reports whether the interpreter can open the document at all.
func probeReadable(ctx context.Context, gs Tool, pdfPath string) (CommandResult, error) {
	return gs.Run(ctx, buildProbeArgs(pdfPath, "")...)
}

// probePageCount asks the interpreter for the number of pages.
func probePageCount(ctx context.Context, gs Tool, pdfPath string) (int, error) {
	result, runErr := gs.Run(ctx, buildProbeArgs(pdfPath, "pdfpagecount =")...)
	if runErr != nil {
		return 0, fmt.Errorf("page count probe failed: %w", runErr)
	}

	return parsePageCountOutput(string(result.Stdout))
}

// probeEncrypted asks the interpreter whether the trailer carries an /Encrypt entry.
func probeEncrypted(ctx context.Context, gs Tool, pdfPath string) (bool, error) {
	result, runErr := gs.Run(ctx, buildProbeArgs(pdfPath, "Trailer /Encrypt known =")...)
	if runErr != nil {
		if mentionsPassword(result) {
			return true, nil
		}

		return false, fmt.Errorf("encryption probe failed: %w", runErr)
	}

	return parseEncryptionOutput(string(result.Stdout))
}

// parsePageCountOutput scans the probe's stdout for the first line holding a single
// integer. The interpreter may print warnings before it.
func parsePageCountOutput(output string) (int, error) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		pageCount, convErr := strconv.Atoi(line)
		if convErr == nil {
			return pageCount, nil
		}
	}

	return 0, errNoPageCount
}

// parseEncryptionOutput finds the boolean printed by the encryption probe.
func parseEncryptionOutput(output string) (bool, error) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}

	return false, errNoEncryptionFlag
}

// mentionsPassword reports whether a failed run complained about encryption.
func mentionsPassword(result CommandResult) bool {
	combined := strings.ToLower(string(result.Stdout) + "\n" + string(result.Stderr))
	for _, marker := range passwordMarkers {
		if strings.Contains(combined, marker) {
			return true
		}
	}

	return false
}
