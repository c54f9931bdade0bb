// Package publish places verified conversion artifacts into the public, date-bucketed
// tree and guards every path it produces.
package publish

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
)

const (
	// maxBaseRunes caps the length of a sanitized base name.
	maxBaseRunes = 100
	// maxNameAttempts bounds the numeric-suffix search for a free name.
	maxNameAttempts = 10000
)

var (
	// ErrUnsafeFilename is returned when nothing usable is left after sanitizing.
	ErrUnsafeFilename = errors.New("filename has no usable characters")
	// ErrNoFreeName is returned when every suffixed candidate is taken.
	ErrNoFreeName = errors.New("no free file name")
	// ErrPathEscape is returned when a resolved path leaves its intended directory.
	ErrPathEscape = errors.New("path escapes its target directory")
)

// Sanitize turns an untrusted filename into a safe base name: the extension is
// dropped, trailing whitespace trimmed and every character other than letters,
// digits, '_' and '-' removed. An empty result is an error, never a default name.
func Sanitize(filename string) (string, error) {
	trimmed := stripExtension(strings.TrimRightFunc(filename, unicode.IsSpace))

	var builder strings.Builder

	count := 0

	for _, r := range trimmed {
		if count == maxBaseRunes {
			break
		}

		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
			builder.WriteRune(r)

			count++
		}
	}

	base := builder.String()
	if base == "" {
		return "", fmt.Errorf("%q: %w", filename, ErrUnsafeFilename)
	}

	return base, nil
}

// stripExtension drops the extension of the last path element. Leading dots do not
// start an extension.
func stripExtension(name string) string {
	element := name[strings.LastIndexAny(name, `/\`)+1:]

	dot := strings.LastIndexByte(element, '.')
	if dot <= 0 || strings.TrimLeft(element[:dot], ".") == "" {
		return name
	}

	return name[:len(name)-len(element)+dot]
}

// candidateName returns base+ext for attempt 0 and base_N+ext afterwards.
func candidateName(base, ext string, attempt int) string {
	if attempt == 0 {
		return base + ext
	}

	return base + "_" + strconv.Itoa(attempt) + ext
}

// LinkUnique hard-links the fully written stagingPath to the first free name in dir,
// trying base.ext, base_1.ext, base_2.ext and so on. The link either appears with the
// complete content or not at all, and two concurrent callers never receive the same
// name. The caller still owns stagingPath.
func LinkUnique(stagingPath, dir, base, ext string) (string, string, error) {
	for attempt := range maxNameAttempts {
		name := candidateName(base, ext, attempt)
		path := filepath.Join(dir, name)

		if !Within(dir, path) {
			return "", "", fmt.Errorf("%s: %w", name, ErrPathEscape)
		}

		linkErr := os.Link(stagingPath, path)
		if errors.Is(linkErr, os.ErrExist) {
			continue
		}

		if linkErr != nil {
			return "", "", fmt.Errorf("failed to link %s: %w", path, linkErr)
		}

		return name, path, nil
	}

	return "", "", fmt.Errorf("%s%s in %s: %w", base, ext, dir, ErrNoFreeName)
}

// Within reports whether path lies strictly inside dir. Both are compared lexically;
// callers resolve symlinks first when that matters.
func Within(dir, path string) bool {
	rel, relErr := filepath.Rel(dir, path)
	if relErr != nil {
		return false
	}

	if rel == "." || rel == ".." || filepath.IsAbs(rel) {
		return false
	}

	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
