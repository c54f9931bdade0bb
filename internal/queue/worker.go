package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/book-expert/pdf-to-tiff-service/internal/pdfrender"
)

const (
	// RedeliveryDelay is how long JetStream waits before redelivering a message
	// that failed for a transient reason.
	RedeliveryDelay = 30 * time.Second

	natsFetchTimeout = 5 * time.Second
	unknownSize      = -1
)

// ErrMalformedEvent is returned for a message whose payload is not a PDFCreatedEvent.
var ErrMalformedEvent = errors.New("malformed PDFCreatedEvent")

// TIFFCreatedEvent announces the outcome of one PDFCreatedEvent. TIFFKey names the
// object in the TIFF store and is empty when the conversion failed.
type TIFFCreatedEvent struct {
	Header    events.EventHeader         `json:"header"`
	SourceKey string                     `json:"sourceKey"`
	TIFFKey   string                     `json:"tiffKey,omitempty"`
	Result    pdfrender.ConversionResult `json:"result"`
}

// Converter runs one document through the pipeline.
type Converter interface {
	ConvertStream(
		ctx context.Context,
		src io.Reader,
		filename string,
		declaredSize int64,
		dpi int,
	) pdfrender.ConversionResult
}

// ObjectGetter reads source PDFs.
type ObjectGetter interface {
	Get(ctx context.Context, name string, opts ...jetstream.GetObjectOpt) (jetstream.ObjectResult, error)
}

// ObjectPutter stores produced TIFFs.
type ObjectPutter interface {
	Put(ctx context.Context, meta jetstream.ObjectMeta, reader io.Reader) (*jetstream.ObjectInfo, error)
}

// EventPublisher publishes result events.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Worker consumes PDFCreatedEvents and converts each referenced PDF.
type Worker struct {
	converter   Converter
	pdfStore    ObjectGetter
	tiffStore   ObjectPutter
	publisher   EventPublisher
	log         *logger.Logger
	now         func() time.Time
	tiffSubject string
}

// NewWorker creates a worker over the given stores and publisher.
func NewWorker(
	converter Converter,
	pdfStore ObjectGetter,
	tiffStore ObjectPutter,
	publisher EventPublisher,
	tiffSubject string,
	log *logger.Logger,
) *Worker {
	return &Worker{
		converter:   converter,
		pdfStore:    pdfStore,
		tiffStore:   tiffStore,
		publisher:   publisher,
		log:         log,
		now:         time.Now,
		tiffSubject: tiffSubject,
	}
}

// Run implements the core worker loop. It returns when ctx ends.
func (w *Worker) Run(ctx context.Context, consumer jetstream.Consumer) error {
	for {
		if ctx.Err() != nil {
			w.log.Info("Stopping NATS worker")

			return nil
		}

		batch, fetchErr := consumer.Fetch(1, jetstream.FetchMaxWait(natsFetchTimeout))
		if fetchErr != nil {
			if errors.Is(fetchErr, context.Canceled) || errors.Is(fetchErr, nats.ErrTimeout) {
				continue
			}

			w.log.Error("Error fetching messages: %v", fetchErr)

			continue
		}

		for msg := range batch.Messages() {
			w.HandleMessage(ctx, msg)
		}

		if batchErr := batch.Error(); batchErr != nil && !errors.Is(batchErr, nats.ErrTimeout) {
			w.log.Error("Error during message batch processing: %v", batchErr)
		}
	}
}

// HandleMessage processes a single message and settles it. Successful and permanently
// failed conversions are acked or terminated after their result event is published;
// transient failures are redelivered.
func (w *Worker) HandleMessage(ctx context.Context, msg jetstream.Msg) {
	var event events.PDFCreatedEvent

	unmarshalErr := json.Unmarshal(msg.Data(), &event)
	if unmarshalErr != nil {
		w.term(msg, "", fmt.Errorf("%w: %w", ErrMalformedEvent, unmarshalErr))

		return
	}

	if event.PDFKey == "" {
		w.term(msg, event.Header.WorkflowID, fmt.Errorf("%w: empty PDF key", ErrMalformedEvent))

		return
	}

	job := &job{worker: w, msg: msg, event: &event, header: &event.Header}
	job.run(ctx)
}

// job represents the context for processing a single message.
type job struct {
	worker *Worker
	msg    jetstream.Msg
	event  *events.PDFCreatedEvent
	header *events.EventHeader
}

// run executes the full lifecycle of a job.
func (j *job) run(ctx context.Context) {
	log := j.worker.log
	log.Info("Received job for WorkflowID [%s]: processing PDF key '%s'", j.header.WorkflowID, j.event.PDFKey)

	if progErr := j.msg.InProgress(); progErr != nil {
		log.Warn("Failed to send InProgress update: %v", progErr)
	}

	object, getErr := j.worker.pdfStore.Get(ctx, j.event.PDFKey)
	if getErr != nil {
		if errors.Is(getErr, jetstream.ErrObjectNotFound) {
			j.worker.term(j.msg, j.header.WorkflowID, getErr)

			return
		}

		j.worker.nak(j.msg, j.header.WorkflowID, getErr)

		return
	}
	defer func() { _ = object.Close() }()

	result := j.worker.converter.ConvertStream(ctx, object, path.Base(j.event.PDFKey), objectSize(object), 0)

	if !result.Success && transient(result.Kind) {
		j.worker.nak(j.msg, j.header.WorkflowID, fmt.Errorf("%s: %s", result.Kind, result.Diagnostic))

		return
	}

	tiffKey := ""

	if result.Success {
		key, uploadErr := j.uploadTIFF(ctx, result)
		if uploadErr != nil {
			j.worker.nak(j.msg, j.header.WorkflowID, uploadErr)

			return
		}

		tiffKey = key
	}

	publishErr := j.publishResult(ctx, tiffKey, result)
	if publishErr != nil {
		j.worker.nak(j.msg, j.header.WorkflowID, publishErr)

		return
	}

	if !result.Success {
		j.worker.term(j.msg, j.header.WorkflowID, fmt.Errorf("%s: %s", result.Kind, result.UserMessage))

		return
	}

	j.ack()
}

// uploadTIFF stores the published file under tenant/workflow/name.
func (j *job) uploadTIFF(ctx context.Context, result pdfrender.ConversionResult) (string, error) {
	objectName := fmt.Sprintf("%s/%s/%s", j.header.TenantID, j.header.WorkflowID, path.Base(result.ArtifactPath))

	file, openErr := os.Open(result.ArtifactPath)
	if openErr != nil {
		return "", fmt.Errorf("failed to open file for upload: %w", openErr)
	}

	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			j.worker.log.Warn("Failed to close file '%s': %v", result.ArtifactPath, closeErr)
		}
	}()

	meta := jetstream.ObjectMeta{
		Name:        objectName,
		Description: "",
		Headers:     nil,
		Metadata:    map[string]string{"public_url": result.PublicURL},
	}

	_, putErr := j.worker.tiffStore.Put(ctx, meta, file)
	if putErr != nil {
		return "", fmt.Errorf("failed to put file in object store: %w", putErr)
	}

	j.worker.log.Info("Job [%s]: Uploaded '%s'", j.header.WorkflowID, objectName)

	return objectName, nil
}

// publishResult marshals and publishes a TIFFCreatedEvent.
func (j *job) publishResult(ctx context.Context, tiffKey string, result pdfrender.ConversionResult) error {
	tiffEvent := TIFFCreatedEvent{
		Header: events.EventHeader{
			WorkflowID: j.header.WorkflowID,
			UserID:     j.header.UserID,
			TenantID:   j.header.TenantID,
			EventID:    uuid.New().String(),
			Timestamp:  j.worker.now(),
		},
		SourceKey: j.event.PDFKey,
		TIFFKey:   tiffKey,
		Result:    result,
	}

	eventJSON, marshalErr := json.Marshal(tiffEvent)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal TIFFCreatedEvent: %w", marshalErr)
	}

	_, pubErr := j.worker.publisher.Publish(ctx, j.worker.tiffSubject, eventJSON)
	if pubErr != nil {
		return fmt.Errorf("failed to publish TIFFCreatedEvent: %w", pubErr)
	}

	return nil
}

func (j *job) ack() {
	if err := j.msg.Ack(); err != nil {
		j.worker.log.Error("Job [%s]: Failed to acknowledge message: %v", j.header.WorkflowID, err)

		return
	}

	j.worker.log.Success("Job [%s]: Processing complete. Acknowledged.", j.header.WorkflowID)
}

func (w *Worker) nak(msg jetstream.Msg, workflowID string, reason error) {
	w.log.Error("NAK'ing message for job [%s], retry in %s: %v", workflowID, RedeliveryDelay, reason)

	if err := msg.NakWithDelay(RedeliveryDelay); err != nil {
		w.log.Error("Failed to NAK message: %v", err)
	}
}

func (w *Worker) term(msg jetstream.Msg, workflowID string, reason error) {
	w.log.Error("Terminating message for job [%s]: %v", workflowID, reason)

	if err := msg.Term(); err != nil {
		w.log.Error("Failed to TERM message: %v", err)
	}
}

// transient reports failure kinds worth redelivering.
func transient(kind pdfrender.Kind) bool {
	switch kind {
	case pdfrender.KindTimeout, pdfrender.KindToolUnavailable, pdfrender.KindUnexpected:
		return true
	case pdfrender.KindNone, pdfrender.KindInvalidInput, pdfrender.KindToolFailure, pdfrender.KindIntegrityFailure:
		return false
	default:
		return false
	}
}

func objectSize(object jetstream.ObjectResult) int64 {
	info, infoErr := object.Info()
	if infoErr != nil || info == nil {
		return unknownSize
	}

	return int64(info.Size)
}
