package publish_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/pdf-to-tiff-service/internal/publish"
)

const testBaseURL = "https://files.example.test/"

func fixedClock() time.Time {
	return time.Date(2026, time.October, 18, 9, 30, 0, 0, time.UTC)
}

func newTestPublisher(t *testing.T) (*publish.Publisher, string) {
	t.Helper()

	log, err := logger.New(t.TempDir(), "publish.log")
	require.NoError(t, err)

	root := filepath.Join(t.TempDir(), "public")
	require.NoError(t, os.MkdirAll(root, 0o755))

	return publish.NewPublisher(root, testBaseURL, log).WithClock(fixedClock), root
}

func writeSource(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "output.tiff")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "Plain name", input: "report.pdf", expected: "report"},
		{name: "Upper-case extension", input: "Invoice-2024_07.PDF", expected: "Invoice-2024_07"},
		{name: "Spaces and punctuation", input: "my report (final).pdf", expected: "myreportfinal"},
		{name: "Traversal", input: "../../etc/passwd", expected: "etcpasswd"},
		{name: "Trailing whitespace", input: "scan.pdf \t\n", expected: "scan"},
		{name: "Only last extension dropped", input: "archive.tar.gz", expected: "archivetar"},
		{name: "Leading dot is not an extension", input: ".hidden", expected: "hidden"},
		{name: "Unicode letters kept", input: "résumé.pdf", expected: "résumé"},
		{name: "No extension", input: "plain", expected: "plain"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := publish.Sanitize(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestSanitize_LengthCapped(t *testing.T) {
	t.Parallel()

	got, err := publish.Sanitize(strings.Repeat("a", 150) + ".pdf")
	require.NoError(t, err)
	assert.Len(t, got, 100)
}

func TestSanitize_Rejected(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "   ", "%%%.pdf", "../../..", "***"} {
		_, err := publish.Sanitize(input)
		require.ErrorIs(t, err, publish.ErrUnsafeFilename, "input %q", input)
	}
}

func TestLinkUnique_SkipsTakenNames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	staging := filepath.Join(dir, ".staging.partial")
	require.NoError(t, os.WriteFile(staging, []byte("content"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.tiff"), nil, 0o600))
	require.NoError(t, os.Symlink("/nonexistent", filepath.Join(dir, "doc_1.tiff")))

	name, path, err := publish.LinkUnique(staging, dir, "doc", ".tiff")
	require.NoError(t, err)
	assert.Equal(t, "doc_2.tiff", name)
	assert.Equal(t, filepath.Join(dir, "doc_2.tiff"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "content", string(content), "the claimed name carries the full content")
}

func TestLinkUnique_MissingStagingClaimsNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, _, err := publish.LinkUnique(filepath.Join(dir, ".absent.partial"), dir, "doc", ".tiff")
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.NoFileExists(t, filepath.Join(dir, "doc.tiff"))
}

func TestWithin(t *testing.T) {
	t.Parallel()

	assert.True(t, publish.Within("/srv/files/2026_10_18", "/srv/files/2026_10_18/a.tiff"))
	assert.False(t, publish.Within("/srv/files/2026_10_18", "/srv/files/2026_10_18"))
	assert.False(t, publish.Within("/srv/files/2026_10_18", "/srv/files/a.tiff"))
	assert.False(t, publish.Within("/srv/files/2026_10_18", "/srv/files/2026_10_18x/a.tiff"))
	assert.False(t, publish.Within("/srv/files/2026_10_18", "/etc/passwd"))
}

func TestPublish_PlacesFileInDateBucket(t *testing.T) {
	t.Parallel()

	publisher, root := newTestPublisher(t)
	src := writeSource(t, "tiff-bytes")

	artifact, err := publisher.Publish(src, "report.pdf")
	require.NoError(t, err)

	resolvedRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(resolvedRoot, "2026_10_18", "report.tiff"), artifact.Path)
	assert.Equal(t, "https://files.example.test/files/2026_10_18/report.tiff", artifact.URL)
	assert.Equal(t, "2026_10_18", artifact.DateBucket)
	assert.Equal(t, "report.tiff", artifact.Name)
	assert.Equal(t, int64(len("tiff-bytes")), artifact.Size)
	assert.NoFileExists(t, src)

	content, err := os.ReadFile(artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, "tiff-bytes", string(content))

	entries, err := os.ReadDir(filepath.Join(root, "2026_10_18"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no staging files are left behind")
}

func TestPublish_DuplicateNamesGetSuffix(t *testing.T) {
	t.Parallel()

	publisher, _ := newTestPublisher(t)

	first, err := publisher.Publish(writeSource(t, "one"), "name.pdf")
	require.NoError(t, err)

	second, err := publisher.Publish(writeSource(t, "two"), "name.pdf")
	require.NoError(t, err)

	assert.Equal(t, "name.tiff", first.Name)
	assert.Equal(t, "name_1.tiff", second.Name)
	assert.Equal(t, "https://files.example.test/files/2026_10_18/name_1.tiff", second.URL)

	assertOnlyComplete(t, filepath.Dir(first.Path), map[string]string{
		"name.tiff":   "one",
		"name_1.tiff": "two",
	})
}

// assertOnlyComplete checks that dir holds exactly the expected files with their full
// content: no hidden staging files and no empty placeholders.
func assertOnlyComplete(t *testing.T, dir string, want map[string]string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	got := make(map[string]string, len(entries))

	for _, entry := range entries {
		content, readErr := os.ReadFile(filepath.Join(dir, entry.Name()))
		require.NoError(t, readErr)

		got[entry.Name()] = string(content)
	}

	assert.Equal(t, want, got)
}

func TestPublish_FailedStagingLeavesNothingServable(t *testing.T) {
	t.Parallel()

	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}

	publisher, root := newTestPublisher(t)
	bucket := filepath.Join(root, "2026_10_18")
	require.NoError(t, os.MkdirAll(bucket, 0o755))
	require.NoError(t, os.Chmod(bucket, 0o555))
	t.Cleanup(func() { _ = os.Chmod(bucket, 0o755) })

	src := writeSource(t, "data")

	_, err := publisher.Publish(src, "report.pdf")
	require.Error(t, err)
	assertOnlyComplete(t, bucket, map[string]string{})
}

func TestPublish_ConcurrentPublishersNeverCollide(t *testing.T) {
	t.Parallel()

	publisher, root := newTestPublisher(t)

	const publishers = 8

	sources := make([]string, publishers)
	for i := range sources {
		sources[i] = writeSource(t, "payload")
	}

	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		names     = make(map[string]struct{})
	)

	for _, src := range sources {
		waitGroup.Add(1)

		go func() {
			defer waitGroup.Done()

			artifact, err := publisher.Publish(src, "same.pdf")
			assert.NoError(t, err)

			mutex.Lock()
			names[artifact.Name] = struct{}{}
			mutex.Unlock()
		}()
	}

	waitGroup.Wait()
	assert.Len(t, names, publishers)

	want := make(map[string]string, publishers)
	for name := range names {
		want[name] = "payload"
	}

	assertOnlyComplete(t, filepath.Join(root, "2026_10_18"), want)
}

func TestPublish_UnsafeNameCreatesNothing(t *testing.T) {
	t.Parallel()

	publisher, root := newTestPublisher(t)
	src := writeSource(t, "data")

	_, err := publisher.Publish(src, "%%%.pdf")
	require.ErrorIs(t, err, publish.ErrUnsafeFilename)
	assert.NoDirExists(t, filepath.Join(root, "2026_10_18"))
	assert.FileExists(t, src)
}

func TestPublish_SymlinkedBucketIsRejected(t *testing.T) {
	t.Parallel()

	publisher, root := newTestPublisher(t)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "2026_10_18")))

	_, err := publisher.Publish(writeSource(t, "data"), "report.pdf")
	require.ErrorIs(t, err, publish.ErrPathEscape)

	entries, readErr := os.ReadDir(outside)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestResolvePublished(t *testing.T) {
	t.Parallel()

	publisher, root := newTestPublisher(t)

	artifact, err := publisher.Publish(writeSource(t, "data"), "report.pdf")
	require.NoError(t, err)

	t.Run("Existing file", func(t *testing.T) {
		t.Parallel()

		path, resolveErr := publish.ResolvePublished(root, "2026_10_18", "report.tiff")
		require.NoError(t, resolveErr)
		assert.Equal(t, artifact.Path, path)
	})

	t.Run("Malformed bucket", func(t *testing.T) {
		t.Parallel()

		_, resolveErr := publish.ResolvePublished(root, "..", "report.tiff")
		require.ErrorIs(t, resolveErr, publish.ErrInvalidBucket)
	})

	t.Run("Traversal in name", func(t *testing.T) {
		t.Parallel()

		_, resolveErr := publish.ResolvePublished(root, "2026_10_18", "../../etc/passwd")
		require.ErrorIs(t, resolveErr, publish.ErrPathEscape)
	})

	t.Run("Missing file", func(t *testing.T) {
		t.Parallel()

		_, resolveErr := publish.ResolvePublished(root, "2026_10_18", "absent.tiff")
		require.ErrorIs(t, resolveErr, os.ErrNotExist)
	})
}

func TestResolvePublished_SymlinkOutOfBucket(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	bucket := filepath.Join(root, "2026_10_18")
	require.NoError(t, os.MkdirAll(bucket, 0o755))

	secret := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("x"), 0o600))
	require.NoError(t, os.Symlink(secret, filepath.Join(bucket, "leak.tiff")))

	_, err := publish.ResolvePublished(root, "2026_10_18", "leak.tiff")
	require.ErrorIs(t, err, publish.ErrPathEscape)
}
