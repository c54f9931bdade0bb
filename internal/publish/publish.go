package publish

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

const (
	// DateLayout names the per-day buckets under the public root.
	DateLayout = "2006_01_02"
	// TIFFExtension is appended to every published artifact.
	TIFFExtension = ".tiff"
	// FilesPrefix is the URL path segment the public tree is served under.
	FilesPrefix = "files"

	publicDirMode  = 0o755
	publicFileMode = 0o644
)

// ErrInvalidBucket is returned for a date bucket name that does not follow DateLayout.
var ErrInvalidBucket = errors.New("invalid date bucket")

// Artifact describes a file that was placed into the public tree.
type Artifact struct {
	Path       string `json:"path"`
	URL        string `json:"url"`
	DateBucket string `json:"dateBucket"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
}

// Publisher moves verified TIFFs into {root}/{YYYY_MM_DD}/ under a unique name.
type Publisher struct {
	now     func() time.Time
	logger  *logger.Logger
	root    string
	baseURL string
}

// NewPublisher creates a publisher for the given public root and base URL.
func NewPublisher(root, baseURL string, log *logger.Logger) *Publisher {
	return &Publisher{
		now:     time.Now,
		logger:  log,
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// WithClock replaces the publisher's time source.
func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	p.now = now

	return p
}

// Root returns the public root directory.
func (p *Publisher) Root() string {
	return p.root
}

// Publish places srcPath into today's bucket, named after originalName. The content is
// staged under a hidden name in the bucket first and only then linked to its public
// name, so readers never observe a partial artifact and a crash leaves nothing
// servable behind. The bucket is resolved through symlinks and must be the bucket of
// the resolved root.
func (p *Publisher) Publish(srcPath, originalName string) (Artifact, error) {
	base, sanitizeErr := Sanitize(originalName)
	if sanitizeErr != nil {
		return Artifact{}, sanitizeErr
	}

	bucket := p.now().Format(DateLayout)
	dir := filepath.Join(p.root, bucket)

	mkdirErr := os.MkdirAll(dir, publicDirMode)
	if mkdirErr != nil {
		return Artifact{}, fmt.Errorf("failed to create date bucket %s: %w", dir, mkdirErr)
	}

	resolvedDir, resolveErr := p.resolveBucket(bucket)
	if resolveErr != nil {
		return Artifact{}, resolveErr
	}

	stagingPath := filepath.Join(resolvedDir, "."+uuid.NewString()+".partial")
	defer p.discard(stagingPath)

	stageErr := p.stage(srcPath, stagingPath)
	if stageErr != nil {
		return Artifact{}, stageErr
	}

	name, finalPath, linkErr := LinkUnique(stagingPath, resolvedDir, base, TIFFExtension)
	if linkErr != nil {
		return Artifact{}, linkErr
	}

	info, statErr := os.Lstat(finalPath)
	if statErr != nil {
		p.discard(finalPath)

		return Artifact{}, fmt.Errorf("failed to stat published file: %w", statErr)
	}

	artifact := Artifact{
		Path:       finalPath,
		URL:        p.URLFor(bucket, name),
		DateBucket: bucket,
		Name:       name,
		Size:       info.Size(),
	}

	return artifact, nil
}

// resolveBucket resolves the bucket directory through symlinks. It must be exactly
// the bucket of the resolved root.
func (p *Publisher) resolveBucket(bucket string) (string, error) {
	resolvedRoot, rootErr := filepath.EvalSymlinks(p.root)
	if rootErr != nil {
		return "", fmt.Errorf("failed to resolve public root %s: %w", p.root, rootErr)
	}

	want := filepath.Join(resolvedRoot, bucket)

	resolvedDir, dirErr := filepath.EvalSymlinks(filepath.Join(p.root, bucket))
	if dirErr != nil {
		return "", fmt.Errorf("failed to resolve date bucket %s: %w", bucket, dirErr)
	}

	if resolvedDir != want {
		return "", fmt.Errorf("%s: %w", bucket, ErrPathEscape)
	}

	return resolvedDir, nil
}

// URLFor builds the public URL of a published file.
func (p *Publisher) URLFor(bucket, name string) string {
	return p.baseURL + "/" + FilesPrefix + "/" + bucket + "/" + url.PathEscape(name)
}

// stage moves src to the hidden staging path and makes it world-readable.
func (p *Publisher) stage(srcPath, stagingPath string) error {
	moveErr := moveFile(srcPath, stagingPath)
	if moveErr != nil {
		return moveErr
	}

	chmodErr := os.Chmod(stagingPath, publicFileMode)
	if chmodErr != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", stagingPath, chmodErr)
	}

	return nil
}

func (p *Publisher) discard(path string) {
	removeErr := os.Remove(path)
	if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) && p.logger != nil {
		p.logger.Warn("Failed to remove %s: %v", path, removeErr)
	}
}

// moveFile renames src to dst, copying when they live on different filesystems.
func moveFile(src, dst string) error {
	renameErr := os.Rename(src, dst)
	if renameErr == nil {
		return nil
	}

	if !errors.Is(renameErr, syscall.EXDEV) {
		return fmt.Errorf("failed to move %s: %w", src, renameErr)
	}

	copyErr := copyFile(src, dst)
	if copyErr != nil {
		return copyErr
	}

	removeErr := os.Remove(src)
	if removeErr != nil {
		return fmt.Errorf("failed to remove %s after copy: %w", src, removeErr)
	}

	return nil
}

func copyFile(src, dst string) (err error) {
	in, openErr := os.Open(src)
	if openErr != nil {
		return fmt.Errorf("failed to open %s: %w", src, openErr)
	}
	defer in.Close()

	out, createErr := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, publicFileMode)
	if createErr != nil {
		return fmt.Errorf("failed to create %s: %w", dst, createErr)
	}

	defer func() {
		closeErr := out.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("failed to close %s: %w", dst, closeErr)
		}
	}()

	_, copyErr := io.Copy(out, in)
	if copyErr != nil {
		return fmt.Errorf("failed to copy %s: %w", src, copyErr)
	}

	return out.Sync()
}

// ResolvePublished maps a (bucket, name) pair from a request onto a file under root.
// The bucket must follow DateLayout, the name must be a single path element and the
// resolved file must stay inside the bucket.
func ResolvePublished(root, bucket, name string) (string, error) {
	_, parseErr := time.Parse(DateLayout, bucket)
	if parseErr != nil {
		return "", fmt.Errorf("%q: %w", bucket, ErrInvalidBucket)
	}

	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%q: %w", name, ErrPathEscape)
	}

	resolvedRoot, rootErr := filepath.EvalSymlinks(root)
	if rootErr != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", root, rootErr)
	}

	dir := filepath.Join(resolvedRoot, bucket)

	path, pathErr := filepath.EvalSymlinks(filepath.Join(dir, name))
	if pathErr != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", name, pathErr)
	}

	if !Within(dir, path) {
		return "", fmt.Errorf("%q: %w", name, ErrPathEscape)
	}

	return path, nil
}
