package pdfrender

import (
	"context"
	"fmt"
	"os"

	"github.com/gabriel-vasile/mimetype"
	"github.com/h2non/filetype"
)

const (
	pdfMIME           = "application/pdf"
	requiredPageCount = 1
	bytesPerMB        = 1024 * 1024
)

// ValidationStatus tags a ValidationOutcome.
type ValidationStatus int

// Validation statuses, one per distinct reason a document is refused.
const (
	StatusValid ValidationStatus = iota
	StatusInvalidFormat
	StatusTooLarge
	StatusMultiPage
	StatusEncrypted
	StatusProbeFailed
)

func (s ValidationStatus) String() string {
	switch s {
	case StatusValid:
		return "Valid"
	case StatusInvalidFormat:
		return "InvalidFormat"
	case StatusTooLarge:
		return "TooLarge"
	case StatusMultiPage:
		return "MultiPage"
	case StatusEncrypted:
		return "Encrypted"
	case StatusProbeFailed:
		return "ProbeFailed"
	default:
		return fmt.Sprintf("ValidationStatus(%d)", int(s))
	}
}

// ValidationOutcome is the result of checking one candidate document. Only the
// fields relevant to Status are set.
type ValidationOutcome struct {
	Cause       error
	Reason      string
	Detail      string
	ActualBytes int64
	LimitBytes  int64
	PageCount   int
	Status      ValidationStatus
}

// Valid reports a document that passed.
func Valid() ValidationOutcome {
	return ValidationOutcome{Status: StatusValid}
}

// InvalidFormat reports a file that is not a PDF.
func InvalidFormat(reason string) ValidationOutcome {
	return ValidationOutcome{Status: StatusInvalidFormat, Reason: reason}
}

// TooLarge reports a file above the size limit.
func TooLarge(actual, limit int64) ValidationOutcome {
	return ValidationOutcome{Status: StatusTooLarge, ActualBytes: actual, LimitBytes: limit}
}

// MultiPage reports a page count other than the required one.
func MultiPage(count int) ValidationOutcome {
	return ValidationOutcome{Status: StatusMultiPage, PageCount: count}
}

// Encrypted reports an encrypted or password-protected document.
func Encrypted() ValidationOutcome {
	return ValidationOutcome{Status: StatusEncrypted}
}

// ProbeFailed reports a probe that crashed, timed out or printed nothing usable.
func ProbeFailed(detail string, cause error) ValidationOutcome {
	return ValidationOutcome{Status: StatusProbeFailed, Detail: detail, Cause: cause}
}

// IsValid reports whether the document passed.
func (o ValidationOutcome) IsValid() bool {
	return o.Status == StatusValid
}

// UserMessage renders the outcome for the submitter.
func (o ValidationOutcome) UserMessage() string {
	switch o.Status {
	case StatusValid:
		return "The file passed validation."
	case StatusInvalidFormat:
		return "Only PDF files are supported: " + o.Reason
	case StatusTooLarge:
		return fmt.Sprintf(
			"The file is too large: %.1f MB (maximum %.1f MB).",
			float64(o.ActualBytes)/bytesPerMB,
			float64(o.LimitBytes)/bytesPerMB,
		)
	case StatusMultiPage:
		return fmt.Sprintf(
			"Only single-page PDFs are accepted: required page count is %d, actual is %d.",
			requiredPageCount,
			o.PageCount,
		)
	case StatusEncrypted:
		return "The PDF is encrypted or password-protected and cannot be converted."
	case StatusProbeFailed:
		return "The PDF could not be read."
	default:
		return "The file could not be validated."
	}
}

// Err converts a failed outcome into a *ConversionError; it returns nil for Valid.
func (o ValidationOutcome) Err() error {
	switch o.Status {
	case StatusValid:
		return nil
	case StatusProbeFailed:
		kind := KindOf(o.Cause)
		if kind == KindUnexpected || kind == KindNone {
			kind = KindToolFailure
		}

		convErr := newConversionError(kind, o.UserMessage(), o.Cause)
		if o.Detail != "" {
			convErr.Diagnostic = o.Detail
		}

		return convErr
	default:
		return &ConversionError{
			Kind:        KindInvalidInput,
			UserMessage: o.UserMessage(),
			Diagnostic:  o.Status.String(),
			Err:         nil,
		}
	}
}

// Validator decides whether an uploaded file may enter the conversion stage.
type Validator struct {
	gs                Tool
	maxFileBytes      int64
	enforceSinglePage bool
}

// NewValidator creates a validator probing documents with the given interpreter.
func NewValidator(gs Tool, maxFileBytes int64, enforceSinglePage bool) *Validator {
	return &Validator{
		gs:                gs,
		maxFileBytes:      maxFileBytes,
		enforceSinglePage: enforceSinglePage,
	}
}

// Validate runs every check in order and stops at the first failure.
func (v *Validator) Validate(ctx context.Context, pdfPath string) ValidationOutcome {
	outcome := v.Static(pdfPath)
	if !outcome.IsValid() {
		return outcome
	}

	return v.Probe(ctx, pdfPath)
}

// Static runs the checks that need no subprocess: signature, then size.
func (v *Validator) Static(pdfPath string) ValidationOutcome {
	outcome := v.CheckSignature(pdfPath)
	if !outcome.IsValid() {
		return outcome
	}

	return v.CheckSize(pdfPath)
}

// Probe runs the interpreter checks: page count, then encryption.
func (v *Validator) Probe(ctx context.Context, pdfPath string) ValidationOutcome {
	outcome := v.CheckPageCount(ctx, pdfPath)
	if !outcome.IsValid() {
		return outcome
	}

	return v.CheckEncryption(ctx, pdfPath)
}

// CheckDeclaredSize rejects an upload from its announced size alone, so adapters can
// refuse it before downloading anything.
func (v *Validator) CheckDeclaredSize(size int64) ValidationOutcome {
	if size > v.maxFileBytes {
		return TooLarge(size, v.maxFileBytes)
	}

	return Valid()
}

// CheckSignature requires two independent sniffers to agree the file is a PDF.
func (v *Validator) CheckSignature(pdfPath string) ValidationOutcome {
	detected, detectErr := mimetype.DetectFile(pdfPath)
	if detectErr != nil {
		return InvalidFormat(fmt.Sprintf("could not inspect file: %v", detectErr))
	}

	if !detected.Is(pdfMIME) {
		return InvalidFormat("detected content type " + detected.String())
	}

	kind, matchErr := filetype.MatchFile(pdfPath)
	if matchErr != nil {
		return InvalidFormat(fmt.Sprintf("could not read file signature: %v", matchErr))
	}

	if kind == filetype.Unknown || kind.MIME.Value != pdfMIME {
		return InvalidFormat("file signature is not a PDF")
	}

	return Valid()
}

// CheckSize compares the size on disk with the configured limit.
func (v *Validator) CheckSize(pdfPath string) ValidationOutcome {
	info, statErr := os.Stat(pdfPath)
	if statErr != nil {
		return InvalidFormat(fmt.Sprintf("could not stat file: %v", statErr))
	}

	return v.CheckDeclaredSize(info.Size())
}

// Readable is the cheap gate in front of the heavier probes. It returns Valid when the
// interpreter can open the file, Encrypted when it refuses for lack of a password, and
// ProbeFailed otherwise (the trigger for repair).
func (v *Validator) Readable(ctx context.Context, pdfPath string) ValidationOutcome {
	result, runErr := probeReadable(ctx, v.gs, pdfPath)
	if runErr == nil {
		return Valid()
	}

	if KindOf(runErr) == KindToolFailure && mentionsPassword(result) {
		return Encrypted()
	}

	return ProbeFailed(runErr.Error(), runErr)
}

// CheckPageCount enforces the page policy: exactly one page when single-page mode is
// on, at least one otherwise.
func (v *Validator) CheckPageCount(ctx context.Context, pdfPath string) ValidationOutcome {
	pageCount, probeErr := probePageCount(ctx, v.gs, pdfPath)
	if probeErr != nil {
		return ProbeFailed(probeErr.Error(), probeErr)
	}

	if pageCount <= 0 {
		return ProbeFailed(ErrPDFZeroOrNegativePages.Error(), ErrPDFZeroOrNegativePages)
	}

	if v.enforceSinglePage && pageCount != requiredPageCount {
		return MultiPage(pageCount)
	}

	return Valid()
}

// CheckEncryption refuses any document with an encryption dictionary.
func (v *Validator) CheckEncryption(ctx context.Context, pdfPath string) ValidationOutcome {
	encrypted, probeErr := probeEncrypted(ctx, v.gs, pdfPath)
	if probeErr != nil {
		return ProbeFailed(probeErr.Error(), probeErr)
	}

	if encrypted {
		return Encrypted()
	}

	return Valid()
}
