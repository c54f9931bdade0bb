package queue_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/pdf-to-tiff-service/internal/pdfrender"
	"github.com/book-expert/pdf-to-tiff-service/internal/queue"
)

const (
	testSubject = "tiff.created"
	testPDFKey  = "uploads/report.pdf"
	testPDF     = "%PDF-1.4 test"
)

// fakeMsg records how a message was settled. Methods it does not override panic
// through the nil embedded interface.
type fakeMsg struct {
	jetstream.Msg

	data       []byte
	acks       int
	naks       int
	terms      int
	inProgress int
	nakDelays  []time.Duration
}

func (m *fakeMsg) Data() []byte { return m.data }

func (m *fakeMsg) Ack() error {
	m.acks++

	return nil
}

func (m *fakeMsg) Nak() error {
	return m.NakWithDelay(0)
}

func (m *fakeMsg) NakWithDelay(delay time.Duration) error {
	m.naks++
	m.nakDelays = append(m.nakDelays, delay)

	return nil
}

func (m *fakeMsg) Term() error {
	m.terms++

	return nil
}

func (m *fakeMsg) InProgress() error {
	m.inProgress++

	return nil
}

// settled returns the ack, nak and term counts.
func (m *fakeMsg) settled() [3]int { return [3]int{m.acks, m.naks, m.terms} }

type fakeObject struct {
	reader *bytes.Reader
	info   *jetstream.ObjectInfo
}

func (o *fakeObject) Read(p []byte) (int, error) { return o.reader.Read(p) }

func (o *fakeObject) Close() error { return nil }

func (o *fakeObject) Info() (*jetstream.ObjectInfo, error) { return o.info, nil }

func (o *fakeObject) Error() error { return nil }

type fakeStore struct {
	objects map[string][]byte
	getErr  error
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, getErr: nil, putErr: nil}
}

func (s *fakeStore) Get(_ context.Context, name string, _ ...jetstream.GetObjectOpt) (jetstream.ObjectResult, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}

	data, ok := s.objects[name]
	if !ok {
		return nil, jetstream.ErrObjectNotFound
	}

	return &fakeObject{
		reader: bytes.NewReader(data),
		info:   &jetstream.ObjectInfo{ObjectMeta: jetstream.ObjectMeta{Name: name}, Size: uint64(len(data))},
	}, nil
}

func (s *fakeStore) Put(_ context.Context, meta jetstream.ObjectMeta, reader io.Reader) (*jetstream.ObjectInfo, error) {
	if s.putErr != nil {
		return nil, s.putErr
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	s.objects[meta.Name] = data

	return &jetstream.ObjectInfo{ObjectMeta: meta, Size: uint64(len(data))}, nil
}

type fakePublisher struct {
	err      error
	subjects []string
	payloads [][]byte
}

func (p *fakePublisher) Publish(
	_ context.Context,
	subject string,
	payload []byte,
	_ ...jetstream.PublishOpt,
) (*jetstream.PubAck, error) {
	if p.err != nil {
		return nil, p.err
	}

	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, payload)

	return &jetstream.PubAck{}, nil
}

type fakeConverter struct {
	result       pdfrender.ConversionResult
	filename     string
	body         string
	declaredSize int64
	calls        int
}

func (c *fakeConverter) ConvertStream(
	_ context.Context,
	src io.Reader,
	filename string,
	declaredSize int64,
	_ int,
) pdfrender.ConversionResult {
	body, _ := io.ReadAll(src)

	c.calls++
	c.filename = filename
	c.body = string(body)
	c.declaredSize = declaredSize

	return c.result
}

type harness struct {
	worker    *queue.Worker
	converter *fakeConverter
	pdfStore  *fakeStore
	tiffStore *fakeStore
	publisher *fakePublisher
}

func newHarness(t *testing.T, result pdfrender.ConversionResult) *harness {
	t.Helper()

	log, err := logger.New(t.TempDir(), "queue.log")
	require.NoError(t, err)

	h := &harness{
		worker:    nil,
		converter: &fakeConverter{result: result},
		pdfStore:  newFakeStore(),
		tiffStore: newFakeStore(),
		publisher: &fakePublisher{},
	}
	h.pdfStore.objects[testPDFKey] = []byte(testPDF)
	h.worker = queue.NewWorker(h.converter, h.pdfStore, h.tiffStore, h.publisher, testSubject, log)

	return h
}

func newEventMsg(t *testing.T, key string) *fakeMsg {
	t.Helper()

	data, err := json.Marshal(events.PDFCreatedEvent{
		Header: events.EventHeader{
			WorkflowID: "wf-1",
			UserID:     "user-1",
			TenantID:   "tenant-1",
			EventID:    "evt-1",
		},
		PDFKey: key,
	})
	require.NoError(t, err)

	return &fakeMsg{data: data}
}

func successResult(t *testing.T) pdfrender.ConversionResult {
	t.Helper()

	artifact := filepath.Join(t.TempDir(), "report.tiff")
	require.NoError(t, os.WriteFile(artifact, []byte("II*\x00"), 0o600))

	return pdfrender.ConversionResult{
		UserMessage:  "Conversion finished.",
		ArtifactPath: artifact,
		PublicURL:    "https://files.example.test/files/2026_10_18/report.tiff",
		Diagnostic:   "",
		Kind:         pdfrender.KindNone,
		RequestID:    "req-1",
		ByteSize:     4,
		Success:      true,
	}
}

func failureResult(kind pdfrender.Kind) pdfrender.ConversionResult {
	return pdfrender.ConversionResult{
		UserMessage:  "Conversion failed.",
		ArtifactPath: "",
		PublicURL:    "",
		Diagnostic:   "detail",
		Kind:         kind,
		RequestID:    "req-2",
		ByteSize:     0,
		Success:      false,
	}
}

func decodeEvent(t *testing.T, payload []byte) queue.TIFFCreatedEvent {
	t.Helper()

	var event queue.TIFFCreatedEvent
	require.NoError(t, json.Unmarshal(payload, &event))

	return event
}

func TestHandleMessage_SuccessUploadsAndAcks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, successResult(t))
	msg := newEventMsg(t, testPDFKey)

	h.worker.HandleMessage(context.Background(), msg)

	assert.Equal(t, [3]int{1, 0, 0}, msg.settled())
	assert.Equal(t, 1, msg.inProgress)

	assert.Equal(t, "report.pdf", h.converter.filename)
	assert.Equal(t, testPDF, h.converter.body)
	assert.Equal(t, int64(len(testPDF)), h.converter.declaredSize)

	assert.Equal(t, []byte("II*\x00"), h.tiffStore.objects["tenant-1/wf-1/report.tiff"])

	require.Len(t, h.publisher.payloads, 1)
	assert.Equal(t, testSubject, h.publisher.subjects[0])

	event := decodeEvent(t, h.publisher.payloads[0])
	assert.Equal(t, "wf-1", event.Header.WorkflowID)
	assert.Equal(t, "tenant-1", event.Header.TenantID)
	assert.NotEmpty(t, event.Header.EventID)
	assert.NotEqual(t, "evt-1", event.Header.EventID)
	assert.Equal(t, testPDFKey, event.SourceKey)
	assert.Equal(t, "tenant-1/wf-1/report.tiff", event.TIFFKey)
	assert.True(t, event.Result.Success)
	assert.Equal(t, "https://files.example.test/files/2026_10_18/report.tiff", event.Result.PublicURL)
}

func TestHandleMessage_PermanentFailurePublishesAndTerminates(t *testing.T) {
	t.Parallel()

	for _, kind := range []pdfrender.Kind{
		pdfrender.KindInvalidInput,
		pdfrender.KindToolFailure,
		pdfrender.KindIntegrityFailure,
	} {
		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, failureResult(kind))
			msg := newEventMsg(t, testPDFKey)

			h.worker.HandleMessage(context.Background(), msg)

			assert.Equal(t, [3]int{0, 0, 1}, msg.settled())
			assert.Empty(t, h.tiffStore.objects)

			require.Len(t, h.publisher.payloads, 1)
			event := decodeEvent(t, h.publisher.payloads[0])
			assert.Empty(t, event.TIFFKey)
			assert.False(t, event.Result.Success)
			assert.Equal(t, kind, event.Result.Kind)
		})
	}
}

func TestHandleMessage_TransientFailureIsRedelivered(t *testing.T) {
	t.Parallel()

	for _, kind := range []pdfrender.Kind{
		pdfrender.KindTimeout,
		pdfrender.KindToolUnavailable,
		pdfrender.KindUnexpected,
	} {
		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, failureResult(kind))
			msg := newEventMsg(t, testPDFKey)

			h.worker.HandleMessage(context.Background(), msg)

			assert.Equal(t, [3]int{0, 1, 0}, msg.settled())
			assert.Equal(t, []time.Duration{queue.RedeliveryDelay}, msg.nakDelays,
				"transient failures back off instead of redelivering at once")
			assert.Empty(t, h.publisher.payloads)
		})
	}
}

func TestHandleMessage_MalformedEventIsTerminated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, successResult(t))

	for _, data := range []string{"not json", `{"header":{}}`} {
		msg := &fakeMsg{data: []byte(data)}

		h.worker.HandleMessage(context.Background(), msg)

		assert.Equal(t, [3]int{0, 0, 1}, msg.settled(), data)
	}

	assert.Equal(t, 0, h.converter.calls)
}

func TestHandleMessage_SourceLookup(t *testing.T) {
	t.Parallel()

	t.Run("Missing object is terminated", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, successResult(t))
		msg := newEventMsg(t, "uploads/absent.pdf")

		h.worker.HandleMessage(context.Background(), msg)

		assert.Equal(t, [3]int{0, 0, 1}, msg.settled())
		assert.Equal(t, 0, h.converter.calls)
	})

	t.Run("Store error is redelivered", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, successResult(t))
		h.pdfStore.getErr = errors.New("store offline")
		msg := newEventMsg(t, testPDFKey)

		h.worker.HandleMessage(context.Background(), msg)

		assert.Equal(t, [3]int{0, 1, 0}, msg.settled())
		assert.Equal(t, []time.Duration{queue.RedeliveryDelay}, msg.nakDelays)
	})
}

func TestHandleMessage_DeliveryFailuresAreRedelivered(t *testing.T) {
	t.Parallel()

	t.Run("Upload fails", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, successResult(t))
		h.tiffStore.putErr = errors.New("bucket full")
		msg := newEventMsg(t, testPDFKey)

		h.worker.HandleMessage(context.Background(), msg)

		assert.Equal(t, [3]int{0, 1, 0}, msg.settled())
		assert.Equal(t, []time.Duration{queue.RedeliveryDelay}, msg.nakDelays)
		assert.Empty(t, h.publisher.payloads)
	})

	t.Run("Publish fails", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, successResult(t))
		h.publisher.err = errors.New("no responders")
		msg := newEventMsg(t, testPDFKey)

		h.worker.HandleMessage(context.Background(), msg)

		assert.Equal(t, [3]int{0, 1, 0}, msg.settled())
		assert.Equal(t, []time.Duration{queue.RedeliveryDelay}, msg.nakDelays)
	})
}
