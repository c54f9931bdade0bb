// Package httpapi exposes the conversion pipeline over HTTP: an upload endpoint,
// static serving of published TIFFs and a health check.
package httpapi

import (
	"context"
	"io"
	"net/http"

	"github.com/book-expert/logger"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/book-expert/pdf-to-tiff-service/internal/pdfrender"
)

const (
	serviceName = "pdf-to-tiff-service"
	corsMaxAge  = 300
)

// Converter runs one uploaded document through the pipeline.
type Converter interface {
	ConvertStream(
		ctx context.Context,
		src io.Reader,
		filename string,
		declaredSize int64,
		dpi int,
	) pdfrender.ConversionResult
}

// NewRouter creates the HTTP router with all routes configured and CORS applied.
func NewRouter(handler *Handler, allowedOrigins []string) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", handler.Health).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/convert", handler.Convert).Methods(http.MethodPost)

	router.HandleFunc("/files/{date}/{name}", handler.ServeFile).
		Methods(http.MethodGet, http.MethodHead)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodHead,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept",
			"Content-Type",
			"Content-Length",
		},
		ExposedHeaders: []string{
			"Content-Disposition",
			"X-Request-Id",
		},
		AllowCredentials: false,
		MaxAge:           corsMaxAge,
	})

	return corsHandler.Handler(router)
}

// Handler holds the collaborators the HTTP endpoints need.
type Handler struct {
	converter      Converter
	log            *logger.Logger
	publishRoot    string
	maxUploadBytes int64
}

// NewHandler creates the HTTP handlers. maxUploadBytes bounds the request body,
// multipart framing included.
func NewHandler(
	converter Converter,
	publishRoot string,
	maxUploadBytes int64,
	log *logger.Logger,
) *Handler {
	return &Handler{
		converter:      converter,
		log:            log,
		publishRoot:    publishRoot,
		maxUploadBytes: maxUploadBytes,
	}
}
