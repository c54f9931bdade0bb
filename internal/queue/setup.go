// Package queue runs the conversion pipeline as a NATS JetStream worker: PDFs arrive
// as PDFCreatedEvents backed by an object store and results leave as TIFF objects
// plus a TIFFCreatedEvent.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/book-expert/pdf-to-tiff-service/internal/config"
)

const ackWait = 30 * time.Second

// Setup ensures all required NATS streams, the durable consumer and object stores exist.
func Setup(ctx context.Context, jetStream jetstream.JetStream, cfg *config.NATSConfig) error {
	streamCfg := newStreamConfig(cfg.PDFStreamName, cfg.PDFCreatedSubject)

	_, streamErr := jetStream.CreateStream(ctx, *streamCfg)
	if streamErr != nil && !errors.Is(streamErr, jetstream.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create PDF stream: %w", streamErr)
	}

	stream, streamErr := jetStream.Stream(ctx, cfg.PDFStreamName)
	if streamErr != nil {
		return fmt.Errorf("failed to get PDF stream handle: %w", streamErr)
	}

	_, consumerErr := stream.CreateOrUpdateConsumer(ctx, *newConsumerConfig(cfg))
	if consumerErr != nil {
		return fmt.Errorf("failed to create PDF consumer: %w", consumerErr)
	}

	tiffStreamCfg := newStreamConfig(cfg.TIFFStreamName, cfg.TIFFCreatedSubject)

	_, tiffStreamErr := jetStream.CreateStream(ctx, *tiffStreamCfg)
	if tiffStreamErr != nil && !errors.Is(tiffStreamErr, jetstream.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create TIFF stream: %w", tiffStreamErr)
	}

	for _, bucket := range []string{cfg.PDFObjectStoreBucket, cfg.TIFFObjectStoreBucket} {
		_, objStoreErr := jetStream.CreateObjectStore(ctx, *newObjectStoreConfig(bucket))
		if objStoreErr != nil && !errors.Is(objStoreErr, jetstream.ErrBucketExists) {
			return fmt.Errorf("failed to create object store '%s': %w", bucket, objStoreErr)
		}
	}

	return nil
}

func newStreamConfig(name, subject string) *jetstream.StreamConfig {
	return &jetstream.StreamConfig{
		Name:                   name,
		Description:            "",
		Subjects:               []string{subject},
		Retention:              jetstream.WorkQueuePolicy,
		MaxConsumers:           -1,
		MaxMsgs:                -1,
		MaxBytes:               -1,
		Discard:                jetstream.DiscardOld,
		DiscardNewPerSubject:   false,
		MaxAge:                 0,
		MaxMsgsPerSubject:      -1,
		MaxMsgSize:             -1,
		Storage:                jetstream.FileStorage,
		Replicas:               1,
		NoAck:                  false,
		Duplicates:             0,
		Placement:              nil,
		Mirror:                 nil,
		Sources:                nil,
		Sealed:                 false,
		DenyDelete:             false,
		DenyPurge:              false,
		AllowRollup:            false,
		Compression:            jetstream.NoCompression,
		FirstSeq:               0,
		SubjectTransform:       nil,
		RePublish:              nil,
		AllowDirect:            false,
		MirrorDirect:           false,
		ConsumerLimits:         jetstream.StreamConsumerLimits{},
		Metadata:               nil,
		Template:               "",
		AllowMsgTTL:            false,
		SubjectDeleteMarkerTTL: 0,
	}
}

func newConsumerConfig(cfg *config.NATSConfig) *jetstream.ConsumerConfig {
	return &jetstream.ConsumerConfig{
		Durable:            cfg.PDFConsumerName,
		Name:               "",
		Description:        "",
		FilterSubject:      cfg.PDFCreatedSubject,
		AckPolicy:          jetstream.AckExplicitPolicy,
		AckWait:            ackWait,
		MaxDeliver:         -1,
		DeliverPolicy:      jetstream.DeliverAllPolicy,
		OptStartSeq:        0,
		OptStartTime:       nil,
		BackOff:            nil,
		ReplayPolicy:       jetstream.ReplayInstantPolicy,
		RateLimit:          0,
		SampleFrequency:    "",
		MaxWaiting:         0,
		MaxAckPending:      -1,
		HeadersOnly:        false,
		MaxRequestBatch:    0,
		MaxRequestExpires:  0,
		MaxRequestMaxBytes: 0,
		InactiveThreshold:  0,
		Replicas:           0,
		MemoryStorage:      false,
		FilterSubjects:     nil,
		Metadata:           nil,
		PauseUntil:         nil,
		PriorityPolicy:     0,
		PinnedTTL:          0,
		PriorityGroups:     nil,
		DeliverSubject:     "",
		DeliverGroup:       "",
		FlowControl:        false,
		IdleHeartbeat:      0,
	}
}

func newObjectStoreConfig(bucket string) *jetstream.ObjectStoreConfig {
	return &jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "",
		TTL:         0,
		MaxBytes:    -1,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Compression: false,
		Metadata:    nil,
	}
}
