package pdfrender

import "time"

// Exported test-only accessors for unexported functions and fields.
// This file is compiled only during tests and does not affect the public API.

// ParsePageCountOutputForTest exposes parsePageCountOutput for tests in external package.
func ParsePageCountOutputForTest(s string) (int, error) { return parsePageCountOutput(s) }

// ParseEncryptionOutputForTest exposes parseEncryptionOutput for tests in external package.
func ParseEncryptionOutputForTest(s string) (bool, error) { return parseEncryptionOutput(s) }

// MentionsPasswordForTest exposes mentionsPassword.
func MentionsPasswordForTest(result CommandResult) bool { return mentionsPassword(result) }

// BuildProbeArgsForTest exposes buildProbeArgs.
func BuildProbeArgsForTest(pdfPath, program string) []string {
	return buildProbeArgs(pdfPath, program)
}

// BuildGhostscriptArgsForTest exposes buildGhostscriptArgs.
func BuildGhostscriptArgsForTest(pdfPath, outPath string, opts RasterOptions) []string {
	return buildGhostscriptArgs(pdfPath, outPath, opts)
}

// ConfigForTest returns a copy of the coordinator configuration for assertions in tests.
func (coordinator *Coordinator) ConfigForTest() Options { return coordinator.config }

func (coordinator *Coordinator) DiscoverInputPDFsForTest() ([]string, error) {
	return coordinator.discoverInputPDFs()
}

// Allow tests to inject a fake executor.
func (coordinator *Coordinator) SetExecutorForTest(exec CommandExecutor) {
	coordinator.executor = exec
	coordinator.stages = coordinator.buildStages(ConversionRequest{})
}

// Allow tests to pin the date bucket.
func (coordinator *Coordinator) SetClockForTest(now func() time.Time) {
	coordinator.now = now
	coordinator.stages = coordinator.buildStages(ConversionRequest{})
}
