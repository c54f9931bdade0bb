package httpapi

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/book-expert/pdf-to-tiff-service/internal/pdfrender"
	"github.com/book-expert/pdf-to-tiff-service/internal/publish"
)

const (
	uploadField    = "file"
	tiffMediaType  = "image/tiff"
	requestIDField = "X-Request-Id"
	unknownSize    = -1
)

var errNoFilePart = errors.New("multipart body has no file part")

// Health reports that the process is serving requests.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Convert accepts a multipart upload with the PDF in the "file" part and returns the
// conversion result as JSON. With ?inline=1 a successful conversion answers with the
// TIFF bytes instead. ?dpi= overrides the configured resolution.
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Upload exceeds the %d byte limit.", h.maxUploadBytes))

		return
	}

	dpi, dpiErr := parseDPI(r.URL.Query().Get("dpi"))
	if dpiErr != nil {
		writeError(w, http.StatusBadRequest, "dpi must be a positive integer")

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	part, partErr := filePart(r)
	if partErr != nil {
		h.log.Warn("Rejected upload: %v", partErr)
		writeError(w, http.StatusBadRequest, "A PDF must be sent in the \"file\" form field.")

		return
	}
	defer func() { _ = part.Close() }()

	result := h.converter.ConvertStream(r.Context(), part, part.FileName(), declaredSize(part), dpi)
	w.Header().Set(requestIDField, result.RequestID)

	if !result.Success {
		writeJSON(w, statusFor(result.Kind), result)

		return
	}

	if r.URL.Query().Get("inline") == "1" && result.ArtifactPath != "" {
		h.serveArtifact(w, r, result)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ServeFile serves a published TIFF from {publishRoot}/{date}/{name}. Anything that
// resolves outside its bucket is reported as missing.
func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	path, resolveErr := publish.ResolvePublished(h.publishRoot, vars["date"], vars["name"])
	if resolveErr != nil {
		if !errors.Is(resolveErr, os.ErrNotExist) {
			h.log.Warn("Refused file request %s: %v", r.URL.Path, resolveErr)
		}

		writeError(w, http.StatusNotFound, "File not found")

		return
	}

	info, statErr := os.Stat(path)
	if statErr != nil || !info.Mode().IsRegular() {
		writeError(w, http.StatusNotFound, "File not found")

		return
	}

	w.Header().Set("Content-Type", tiffMediaType)
	http.ServeFile(w, r, path)
}

func (h *Handler) serveArtifact(w http.ResponseWriter, r *http.Request, result pdfrender.ConversionResult) {
	file, openErr := os.Open(result.ArtifactPath)
	if openErr != nil {
		h.log.Error("[%s] Published file vanished: %v", result.RequestID, openErr)
		writeJSON(w, http.StatusOK, result)

		return
	}
	defer func() { _ = file.Close() }()

	info, statErr := file.Stat()
	if statErr != nil {
		h.log.Error("[%s] Failed to stat published file: %v", result.RequestID, statErr)
		writeJSON(w, http.StatusOK, result)

		return
	}

	w.Header().Set("Content-Type", tiffMediaType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", info.Name()))
	http.ServeContent(w, r, info.Name(), info.ModTime(), file)
}

// filePart advances the multipart reader to the upload part without buffering the
// body to memory or disk.
func filePart(r *http.Request) (*multipart.Part, error) {
	reader, readerErr := r.MultipartReader()
	if readerErr != nil {
		return nil, fmt.Errorf("not a multipart request: %w", readerErr)
	}

	for {
		part, nextErr := reader.NextPart()
		if errors.Is(nextErr, io.EOF) {
			return nil, errNoFilePart
		}

		if nextErr != nil {
			return nil, fmt.Errorf("failed to read multipart body: %w", nextErr)
		}

		if part.FormName() == uploadField && part.FileName() != "" {
			return part, nil
		}

		_ = part.Close()
	}
}

// declaredSize reads the optional Content-Length of the file part.
func declaredSize(part *multipart.Part) int64 {
	raw := part.Header.Get("Content-Length")
	if raw == "" {
		return unknownSize
	}

	size, parseErr := strconv.ParseInt(raw, 10, 64)
	if parseErr != nil || size < 0 {
		return unknownSize
	}

	return size
}

// parseDPI returns 0, meaning the configured default, when raw is empty.
func parseDPI(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}

	dpi, parseErr := strconv.Atoi(raw)
	if parseErr != nil {
		return 0, fmt.Errorf("invalid dpi %q: %w", raw, parseErr)
	}

	if dpi <= 0 {
		return 0, fmt.Errorf("invalid dpi %d: %w", dpi, pdfrender.ErrInvalidDPI)
	}

	return dpi, nil
}

// statusFor maps a failure kind to the HTTP status returned with the JSON result.
func statusFor(kind pdfrender.Kind) int {
	switch kind {
	case pdfrender.KindInvalidInput:
		return http.StatusBadRequest
	case pdfrender.KindToolFailure:
		return http.StatusUnprocessableEntity
	case pdfrender.KindTimeout:
		return http.StatusGatewayTimeout
	case pdfrender.KindToolUnavailable:
		return http.StatusServiceUnavailable
	case pdfrender.KindNone, pdfrender.KindIntegrityFailure, pdfrender.KindUnexpected:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
