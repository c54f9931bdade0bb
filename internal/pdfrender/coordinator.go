package pdfrender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/pdf-to-tiff-service/internal/blank"
	"github.com/book-expert/pdf-to-tiff-service/internal/publish"
)

const (
	toolGhostscript = "ghostscript"
	toolQPDF        = "qpdf"

	messageCorrupt       = "The file is corrupt and could not be repaired."
	messageUnsafeName    = "The file name contains no usable characters."
	messageBlankPage     = "rendered page appears blank"
	messageMissingSource = "No file was provided."
)

// State is a step of a single conversion.
type State int

// Conversion states, in the order a successful request visits them.
const (
	StateReceived State = iota
	StateValidating
	StateRepairing
	StateConverting
	StatePublishing
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "Received"
	case StateValidating:
		return "Validating"
	case StateRepairing:
		return "Repairing"
	case StateConverting:
		return "Converting"
	case StatePublishing:
		return "Publishing"
	case StateSucceeded:
		return "Succeeded"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ConversionRequest describes one document to convert. Empty fields fall back to the
// coordinator's options. When WorkspaceDir is empty the coordinator creates and
// removes its own workspace; otherwise the caller owns the directory.
type ConversionRequest struct {
	SourcePath       string
	OriginalFilename string
	WorkspaceDir     string
	PublishRoot      string
	PublicBaseURL    string
	RasterizerPath   string
	RequestID        string
	DPI              int
}

// ConversionResult is the outcome of Convert. Exactly one of PublicURL (on success)
// or Kind (on failure) is meaningful.
type ConversionResult struct {
	UserMessage  string `json:"message"`
	ArtifactPath string `json:"-"`
	PublicURL    string `json:"publicUrl,omitempty"`
	Diagnostic   string `json:"diagnostic,omitempty"`
	Kind         Kind   `json:"kind,omitempty"`
	RequestID    string `json:"requestId"`
	ByteSize     int64  `json:"byteSize,omitempty"`
	Success      bool   `json:"success"`
}

// stages are the collaborators one conversion runs through.
type stages struct {
	validator  *Validator
	repairer   Repairer
	rasterizer *Rasterizer
	publisher  *publish.Publisher
}

// Coordinator drives documents through validation, optional repair, rasterization
// and publishing. It is safe for concurrent use; only the rasterizer stage is bounded.
type Coordinator struct {
	executor CommandExecutor
	now      func() time.Time
	log      *logger.Logger
	gate     *Gate
	stages   stages
	config   Options
}

// NewCoordinator creates a coordinator and starts its concurrency gate. Zero-value
// fields in opts are replaced by defaults.
func NewCoordinator(opts *Options, log *logger.Logger) *Coordinator {
	applyDefaultOptions(opts)

	coordinator := &Coordinator{
		executor: &defaultExecutor{}, // Use the real command executor by default.
		now:      time.Now,
		log:      log,
		gate:     NewGate(opts.Concurrency),
		config:   *opts,
	}
	coordinator.stages = coordinator.buildStages(ConversionRequest{})

	return coordinator
}

// Close stops the concurrency gate after running conversions finish.
func (coordinator *Coordinator) Close() {
	coordinator.gate.Close()
}

// Gate exposes the concurrency gate so batch callers can observe it.
func (coordinator *Coordinator) Gate() *Gate {
	return coordinator.gate
}

// Options returns the effective options.
func (coordinator *Coordinator) Options() Options {
	return coordinator.config
}

// buildStages wires the stage collaborators, honouring per-request overrides.
func (coordinator *Coordinator) buildStages(req ConversionRequest) stages {
	cfg := coordinator.config

	rasterizerPath := firstNonEmpty(req.RasterizerPath, cfg.GhostscriptPath)
	probeTool := NewTool(toolGhostscript, rasterizerPath, cfg.ProbeTimeout, coordinator.executor)
	convertTool := NewTool(toolGhostscript, rasterizerPath, cfg.ConversionTimeout, coordinator.executor)

	var repairer Repairer
	if cfg.RepairBackend == RepairBackendPDFCPU {
		repairer = NewPDFCPURepairer(cfg.ProbeTimeout)
	} else {
		repairer = NewQPDFRepairer(
			NewTool(toolQPDF, cfg.QPDFPath, cfg.ProbeTimeout, coordinator.executor),
		)
	}

	publisher := publish.NewPublisher(
		firstNonEmpty(req.PublishRoot, cfg.PublishRoot),
		firstNonEmpty(req.PublicBaseURL, cfg.PublicBaseURL),
		coordinator.log,
	).WithClock(coordinator.now)

	return stages{
		validator:  NewValidator(probeTool, cfg.MaxFileBytes, cfg.EnforceSinglePage),
		repairer:   repairer,
		rasterizer: NewRasterizer(convertTool),
		publisher:  publisher,
	}
}

// stagesFor returns the shared stages unless the request overrides a path.
func (coordinator *Coordinator) stagesFor(req ConversionRequest) stages {
	if req.RasterizerPath == "" && req.PublishRoot == "" && req.PublicBaseURL == "" {
		return coordinator.stages
	}

	return coordinator.buildStages(req)
}

// Convert runs one request to completion. It never returns an error: every failure,
// including a panic in any stage, is folded into an unsuccessful result. On failure
// nothing is left under the publish root.
func (coordinator *Coordinator) Convert(
	ctx context.Context,
	req ConversionRequest,
) (result ConversionResult) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	run := &conversionRun{coordinator: coordinator, req: req, state: StateReceived}
	coordinator.log.Info("[%s] %s: %s", req.RequestID, StateReceived, req.OriginalFilename)

	defer func() {
		if recovered := recover(); recovered != nil {
			result = run.fail(newPanicError(recovered))
		}
	}()

	artifact, diagnostic, err := run.execute(ctx)
	if err != nil {
		return run.fail(err)
	}

	run.advance(StateSucceeded)
	coordinator.log.Success(
		"[%s] Published %s (%d bytes)",
		req.RequestID,
		artifact.URL,
		artifact.Size,
	)

	return ConversionResult{
		UserMessage:  "Conversion succeeded.",
		ArtifactPath: artifact.Path,
		PublicURL:    artifact.URL,
		Diagnostic:   diagnostic,
		Kind:         KindNone,
		RequestID:    req.RequestID,
		ByteSize:     artifact.Size,
		Success:      true,
	}
}

// ConvertStream stores an upload in a fresh workspace and converts it. The upload is
// refused as TooLarge as soon as declaredSize or the bytes read exceed the limit; a
// negative declaredSize means unknown. The workspace is always removed.
func (coordinator *Coordinator) ConvertStream(
	ctx context.Context,
	src io.Reader,
	filename string,
	declaredSize int64,
	dpi int,
) ConversionResult {
	requestID := uuid.NewString()

	refuse := func(err error) ConversionResult {
		run := &conversionRun{
			coordinator: coordinator,
			req:         ConversionRequest{RequestID: requestID, OriginalFilename: filename},
			state:       StateReceived,
		}

		return run.fail(err)
	}

	sizeCheck := coordinator.stages.validator.CheckDeclaredSize(declaredSize)
	if !sizeCheck.IsValid() {
		return refuse(sizeCheck.Err())
	}

	workspace, wsErr := NewWorkspace(coordinator.config.TmpRoot, requestID)
	if wsErr != nil {
		return refuse(wsErr)
	}

	defer func() {
		closeErr := workspace.Close()
		if closeErr != nil {
			coordinator.log.Warn("[%s] %v", requestID, closeErr)
		}
	}()

	written, writeErr := workspace.WriteInput(src, coordinator.config.MaxFileBytes)
	if writeErr != nil {
		return refuse(writeErr)
	}

	if written > coordinator.config.MaxFileBytes {
		return refuse(TooLarge(written, coordinator.config.MaxFileBytes).Err())
	}

	return coordinator.Convert(ctx, ConversionRequest{
		SourcePath:       workspace.InputPath(),
		OriginalFilename: filename,
		WorkspaceDir:     workspace.Dir,
		PublishRoot:      "",
		PublicBaseURL:    "",
		RasterizerPath:   "",
		RequestID:        requestID,
		DPI:              dpi,
	})
}

// conversionRun carries the mutable state of one Convert call.
type conversionRun struct {
	coordinator *Coordinator
	req         ConversionRequest
	state       State
}

func (run *conversionRun) advance(next State) {
	run.coordinator.log.Info("[%s] %s -> %s", run.req.RequestID, run.state, next)
	run.state = next
}

// fail logs the failure with its diagnostic and builds the user-facing result.
func (run *conversionRun) fail(err error) ConversionResult {
	convErr := asConversionError(err)
	failedIn := run.state

	run.advance(StateFailed)
	run.coordinator.log.Error(
		"[%s] Failed in %s (%s): %s: %s",
		run.req.RequestID,
		failedIn,
		convErr.Kind,
		convErr.UserMessage,
		convErr.Diagnostic,
	)

	var panicked *recoveredPanic
	if errors.As(convErr, &panicked) {
		run.coordinator.log.Error("[%s] %v\n%s", run.req.RequestID, panicked, panicked.stack)
	}

	return ConversionResult{
		UserMessage:  convErr.UserMessage,
		ArtifactPath: "",
		PublicURL:    "",
		Diagnostic:   convErr.Diagnostic,
		Kind:         convErr.Kind,
		RequestID:    run.req.RequestID,
		ByteSize:     0,
		Success:      false,
	}
}

// execute runs the stages in order and stops at the first failure.
func (run *conversionRun) execute(ctx context.Context) (publish.Artifact, string, error) {
	coordinator := run.coordinator
	req := run.req
	pipeline := coordinator.stagesFor(req)

	if req.SourcePath == "" {
		return publish.Artifact{}, "", &ConversionError{
			Kind:        KindInvalidInput,
			UserMessage: messageMissingSource,
			Diagnostic:  ErrPathRequired.Error(),
			Err:         ErrPathRequired,
		}
	}

	dpi := req.DPI
	if dpi == 0 {
		dpi = coordinator.config.DPI
	}

	if dpi < 0 {
		return publish.Artifact{}, "", newConversionError(
			KindInvalidInput,
			fmt.Sprintf("The resolution must be positive, got %d DPI.", dpi),
			ErrInvalidDPI,
		)
	}

	filename := firstNonEmpty(req.OriginalFilename, filepath.Base(req.SourcePath))

	_, sanitizeErr := publish.Sanitize(filename)
	if sanitizeErr != nil {
		return publish.Artifact{}, "", newConversionError(KindInvalidInput, messageUnsafeName, sanitizeErr)
	}

	workDir, cleanup, wsErr := run.workspaceDir()
	if wsErr != nil {
		return publish.Artifact{}, "", wsErr
	}
	defer cleanup()

	run.advance(StateValidating)

	currentPath, validateErr := run.validate(ctx, pipeline, filepath.Join(workDir, repairedFileName))
	if validateErr != nil {
		return publish.Artifact{}, "", validateErr
	}

	run.advance(StateConverting)

	outputPath := filepath.Join(workDir, outputFileName)

	convertErr := run.rasterize(ctx, pipeline, currentPath, outputPath, dpi)
	if convertErr != nil {
		return publish.Artifact{}, "", convertErr
	}

	diagnostic := run.inspectOutput(outputPath)

	run.advance(StatePublishing)

	artifact, publishErr := pipeline.publisher.Publish(outputPath, filename)
	if publishErr != nil {
		return publish.Artifact{}, "", classifyPublishError(publishErr)
	}

	return artifact, diagnostic, nil
}

// workspaceDir returns the request's workspace, creating a private one when the
// caller did not supply it.
func (run *conversionRun) workspaceDir() (string, func(), error) {
	if run.req.WorkspaceDir != "" {
		return run.req.WorkspaceDir, func() {}, nil
	}

	workspace, wsErr := NewWorkspace(run.coordinator.config.TmpRoot, run.req.RequestID)
	if wsErr != nil {
		return "", nil, wsErr
	}

	cleanup := func() {
		closeErr := workspace.Close()
		if closeErr != nil {
			run.coordinator.log.Warn("[%s] %v", run.req.RequestID, closeErr)
		}
	}

	return workspace.Dir, cleanup, nil
}

// validate runs the static checks, the readability gate with optional repair and the
// interpreter probes. It returns the path later stages must read: the repaired copy
// when a repair happened, the upload otherwise.
func (run *conversionRun) validate(
	ctx context.Context,
	pipeline stages,
	repairedPath string,
) (string, error) {
	sourcePath := run.req.SourcePath

	outcome := pipeline.validator.Static(sourcePath)
	if !outcome.IsValid() {
		return "", outcome.Err()
	}

	currentPath := sourcePath

	readable := pipeline.validator.Readable(ctx, sourcePath)
	switch {
	case readable.IsValid():
	case readable.Status != StatusProbeFailed:
		return "", readable.Err()
	case ctx.Err() != nil:
		return "", classify(ctx.Err())
	case !run.coordinator.config.AttemptRepair || KindOf(readable.Cause) != KindToolFailure:
		return "", readable.Err()
	default:
		run.coordinator.log.Warn(
			"[%s] PDF is not readable, attempting repair: %s",
			run.req.RequestID,
			readable.Detail,
		)
		run.advance(StateRepairing)

		repairErr := pipeline.repairer.Repair(ctx, sourcePath, repairedPath)
		if repairErr != nil {
			kind := KindOf(repairErr)
			if kind == KindUnexpected {
				kind = KindToolFailure
			}

			return "", newConversionError(kind, messageCorrupt, repairErr)
		}

		currentPath = repairedPath
	}

	outcome = pipeline.validator.Probe(ctx, currentPath)
	if !outcome.IsValid() {
		return "", outcome.Err()
	}

	return currentPath, nil
}

// rasterize runs the rasterizer through the concurrency gate.
func (run *conversionRun) rasterize(
	ctx context.Context,
	pipeline stages,
	pdfPath, outputPath string,
	dpi int,
) error {
	cfg := run.coordinator.config
	opts := RasterOptions{
		Device:      cfg.Device,
		ICCProfile:  cfg.ICCProfile,
		DPI:         dpi,
		StopOnError: cfg.StopOnError,
		FirstPage:   !cfg.EnforceSinglePage,
	}

	if cfg.ICCProfile != "" && !profileExists(cfg.ICCProfile) {
		run.coordinator.log.Warn(
			"[%s] ICC profile %s not found, converting without it",
			run.req.RequestID,
			cfg.ICCProfile,
		)
	}

	gateErr := run.coordinator.gate.Do(ctx, func(ctx context.Context) error {
		result, rasterErr := pipeline.rasterizer.Rasterize(ctx, pdfPath, outputPath, opts)
		if rasterErr != nil {
			return rasterErr
		}

		if stderr := strings.TrimSpace(string(result.Stderr)); stderr != "" {
			run.coordinator.log.Warn("[%s] ghostscript reported: %s", run.req.RequestID, stderr)
		}

		return nil
	})
	if gateErr != nil {
		return classify(gateErr)
	}

	return nil
}

// inspectOutput runs the optional blank-page analysis. It never fails the request.
func (run *conversionRun) inspectOutput(outputPath string) string {
	cfg := run.coordinator.config
	if !cfg.DetectBlank {
		return ""
	}

	fuzz := float64(cfg.BlankFuzzPercent) / 100.0

	report, analyzeErr := blank.Analyze(outputPath, fuzz, cfg.BlankNonWhiteThreshold)
	if analyzeErr != nil {
		run.coordinator.log.Warn("[%s] Blank-page analysis skipped: %v", run.req.RequestID, analyzeErr)

		return ""
	}

	if report.HasContent {
		return ""
	}

	run.coordinator.log.Warn(
		"[%s] Output looks blank (non-white ratio %.5f)",
		run.req.RequestID,
		report.NonWhiteRatio,
	)

	return messageBlankPage
}

// asConversionError returns err as a *ConversionError, classifying it when needed.
func asConversionError(err error) *ConversionError {
	var convErr *ConversionError
	if errors.As(err, &convErr) {
		return convErr
	}

	return classify(err)
}

// classify wraps a stage error with its kind and the kind's generic user message.
func classify(err error) *ConversionError {
	var convErr *ConversionError
	if errors.As(err, &convErr) {
		return convErr
	}

	kind := KindOf(err)

	return newConversionError(kind, userMessageFor(kind), err)
}

func classifyPublishError(err error) *ConversionError {
	switch {
	case errors.Is(err, publish.ErrUnsafeFilename):
		return newConversionError(KindInvalidInput, messageUnsafeName, err)
	case errors.Is(err, publish.ErrPathEscape):
		return newConversionError(KindIntegrityFailure, userMessageFor(KindIntegrityFailure), err)
	default:
		return newConversionError(KindUnexpected, userMessageFor(KindUnexpected), err)
	}
}

func userMessageFor(kind Kind) string {
	switch kind {
	case KindInvalidInput:
		return "The file was rejected."
	case KindToolUnavailable:
		return "The conversion service is temporarily unavailable."
	case KindTimeout:
		return "The conversion took too long and was stopped."
	case KindToolFailure:
		return "The PDF could not be converted."
	case KindIntegrityFailure:
		return "The conversion did not produce a usable file."
	case KindNone, KindUnexpected:
		return "An unexpected error occurred during conversion."
	default:
		return "An unexpected error occurred during conversion."
	}
}

// recoveredPanic keeps the stack of a recovered panic for the server log only.
type recoveredPanic struct {
	value any
	stack []byte
}

func (p *recoveredPanic) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// newPanicError wraps a recovered panic. The diagnostic carries the panic value;
// the stack stays on the wrapped error and is never serialized.
func newPanicError(recovered any) *ConversionError {
	return &ConversionError{
		Kind:        KindUnexpected,
		UserMessage: userMessageFor(KindUnexpected),
		Diagnostic:  fmt.Sprintf("panic: %v", recovered),
		Err:         &recoveredPanic{value: recovered, stack: debug.Stack()},
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}

	return ""
}
