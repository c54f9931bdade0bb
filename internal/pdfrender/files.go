package pdfrender

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	// defaultDirMode is the default permissions for created private directories.
	defaultDirMode = 0o700

	inputFileName    = "input.pdf"
	repairedFileName = "repaired.pdf"
	outputFileName   = "output.tiff"
)

// ErrWorkspaceRootRequired is returned when no temp root is configured.
var ErrWorkspaceRootRequired = errors.New("workspace root is required")

// DiscoverPDFs finds all PDF files in a given directory.
// It performs a case-insensitive search and does not recurse into subdirectories.
func DiscoverPDFs(dirPath string) ([]string, error) {
	dirEntries, readErr := os.ReadDir(dirPath)
	if readErr != nil {
		return nil, fmt.Errorf(
			"could not read directory %s: %w",
			dirPath,
			readErr,
		)
	}

	var pdfPaths []string

	for _, entry := range dirEntries {
		// Ensure we only process files, not directories.
		if !entry.IsDir() &&
			strings.HasSuffix(strings.ToLower(entry.Name()), ".pdf") {

			pdfPaths = append(pdfPaths, filepath.Join(dirPath, entry.Name()))
		}
	}

	return pdfPaths, nil
}

// Workspace is a private, request-scoped directory holding the upload, any repaired
// copy and the rasterizer output. Close removes it.
type Workspace struct {
	Dir       string
	RequestID string
}

// NewWorkspace creates a fresh directory for one request under root.
func NewWorkspace(root, requestID string) (*Workspace, error) {
	if root == "" {
		return nil, ErrWorkspaceRootRequired
	}

	if requestID == "" {
		requestID = uuid.NewString()
	}

	mkdirErr := os.MkdirAll(root, defaultDirMode)
	if mkdirErr != nil {
		return nil, fmt.Errorf("failed to create temp root %s: %w", root, mkdirErr)
	}

	dir, tempErr := os.MkdirTemp(root, fmt.Sprintf("job-%s-", requestID))
	if tempErr != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", tempErr)
	}

	return &Workspace{Dir: dir, RequestID: requestID}, nil
}

// InputPath is where adapters place the uploaded document.
func (ws *Workspace) InputPath() string {
	return filepath.Join(ws.Dir, inputFileName)
}

// RepairedPath is where the repair stage writes its rewrite.
func (ws *Workspace) RepairedPath() string {
	return filepath.Join(ws.Dir, repairedFileName)
}

// OutputPath is where the rasterizer writes the TIFF.
func (ws *Workspace) OutputPath() string {
	return filepath.Join(ws.Dir, outputFileName)
}

// WriteInput copies src into the input file, refusing more than limit bytes.
// It returns the number of bytes written.
func (ws *Workspace) WriteInput(src io.Reader, limit int64) (int64, error) {
	file, createErr := os.OpenFile(ws.InputPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if createErr != nil {
		return 0, fmt.Errorf("failed to create input file: %w", createErr)
	}

	// One extra byte tells an exact-limit upload apart from an oversized one.
	written, copyErr := io.Copy(file, io.LimitReader(src, limit+1))

	closeErr := file.Close()
	if copyErr != nil {
		return written, fmt.Errorf("failed to write input file: %w", copyErr)
	}

	if closeErr != nil {
		return written, fmt.Errorf("failed to close input file: %w", closeErr)
	}

	return written, nil
}

// Close deletes the workspace and everything in it.
func (ws *Workspace) Close() error {
	removeErr := os.RemoveAll(ws.Dir)
	if removeErr != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", ws.Dir, removeErr)
	}

	return nil
}
