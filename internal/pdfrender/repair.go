package pdfrender

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// qpdfExitWarnings is qpdf's exit status for "succeeded, but printed warnings".
const qpdfExitWarnings = 3

// Repairer rewrites a damaged PDF into a new file.
type Repairer interface {
	Repair(ctx context.Context, srcPath, dstPath string) error
}

// qpdfRepairer rebuilds the document structure with `qpdf --linearize`.
type qpdfRepairer struct {
	tool Tool
}

// NewQPDFRepairer returns a repairer driving the external linearizer.
func NewQPDFRepairer(tool Tool) Repairer {
	return &qpdfRepairer{tool: tool}
}

// Repair runs the linearizer. Exit code 3 is accepted when the output exists.
func (repairer *qpdfRepairer) Repair(ctx context.Context, srcPath, dstPath string) error {
	if srcPath == "" || dstPath == "" {
		return ErrPathRequired
	}

	_, runErr := repairer.tool.Run(ctx, "--linearize", srcPath, dstPath)
	if runErr != nil {
		var toolErr *ToolError
		if !errors.As(runErr, &toolErr) ||
			toolErr.ExitCode != qpdfExitWarnings ||
			!errors.Is(toolErr.Err, ErrToolFailed) {
			return fmt.Errorf("%w: %w", ErrRepairFailed, runErr)
		}
	}

	return verifyNonEmpty(dstPath, ErrRepairFailed)
}

// pdfcpuRepairer rewrites the document in-process with pdfcpu's optimizer under
// relaxed validation, which rebuilds the cross-reference table as a side effect.
type pdfcpuRepairer struct {
	timeout time.Duration
}

// NewPDFCPURepairer returns an in-process repairer bounded by timeout.
func NewPDFCPURepairer(timeout time.Duration) Repairer {
	return &pdfcpuRepairer{timeout: timeout}
}

// Repair runs the optimizer. pdfcpu cannot be interrupted, so on timeout the rewrite
// is abandoned and its goroutine finishes in the background.
func (repairer *pdfcpuRepairer) Repair(ctx context.Context, srcPath, dstPath string) error {
	if srcPath == "" || dstPath == "" {
		return ErrPathRequired
	}

	runCtx, cancel := context.WithTimeout(ctx, repairer.timeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		cfg := model.NewDefaultConfiguration()
		cfg.ValidationMode = model.ValidationRelaxed
		done <- api.OptimizeFile(srcPath, dstPath, cfg)
	}()

	select {
	case optimizeErr := <-done:
		if optimizeErr != nil {
			return fmt.Errorf("%w: pdfcpu: %w", ErrRepairFailed, optimizeErr)
		}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("pdfcpu repair interrupted: %w", ctx.Err())
		}

		return &ToolError{
			Err:      ErrTimeout,
			Tool:     "pdfcpu",
			Stderr:   fmt.Sprintf("no result after %s", repairer.timeout),
			ExitCode: -1,
		}
	}

	return verifyNonEmpty(dstPath, ErrRepairFailed)
}

// verifyNonEmpty checks that path is a regular file with at least one byte.
func verifyNonEmpty(path string, sentinel error) error {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return fmt.Errorf("%w: %w", sentinel, statErr)
	}

	if !info.Mode().IsRegular() || info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", sentinel, path)
	}

	return nil
}
