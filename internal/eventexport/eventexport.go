// Package eventexport mirrors capture lifecycle events onto an external
// Kafka topic for audit consumers (spec.md §4.3's lifecycle-event export,
// supplemented from original_source/'s reporter fan-out). Grounded on the
// teacher's plugins/reporter/kafka package: same writer configuration
// (batching, compression codec selection, hash balancer) and the same
// reported/error counters, adapted from OutputPacket fan-out to
// messages.LifecycleEvent fan-out and from a pluggable Reporter interface
// to a single bus-driven actor, since this system has one lifecycle-event
// source rather than a pipeline of reporter plugins.
package eventexport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"icc.tech/capture-agent/internal/bus"
	"icc.tech/capture-agent/internal/messages"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultMaxAttempts  = 3
)

// Config configures the Kafka sink.
type Config struct {
	Brokers     []string
	Topic       string
	Compression string // none|gzip|snappy|lz4, default none
}

// Actor drains LifecycleEvent messages and writes them to Kafka.
type Actor struct {
	self   bus.Dest
	b      *bus.Bus
	logger *slog.Logger
	writer *kafka.Writer

	reportedCount atomic.Uint64
	errorCount    atomic.Uint64
}

// New constructs the event-export actor. Returns an error if the Kafka
// writer configuration is invalid (unknown compression codec).
func New(b *bus.Bus, cfg Config, logger *slog.Logger) (*Actor, error) {
	writerConfig := kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		MaxAttempts:  defaultMaxAttempts,
		Async:        false,
	}
	switch cfg.Compression {
	case "", "none":
		writerConfig.CompressionCodec = nil
	case "gzip":
		writerConfig.CompressionCodec = compress.Gzip.Codec()
	case "snappy":
		writerConfig.CompressionCodec = compress.Snappy.Codec()
	case "lz4":
		writerConfig.CompressionCodec = compress.Lz4.Codec()
	default:
		return nil, fmt.Errorf("eventexport: invalid compression %q", cfg.Compression)
	}

	return &Actor{
		self:   bus.Dest{Actor: bus.ActorEventExport},
		b:      b,
		logger: logger,
		writer: kafka.NewWriter(writerConfig),
	}, nil
}

// Self is the bus.Dest the manager sends LifecycleEvents to.
func (a *Actor) Self() bus.Dest { return a.self }

// Run drains the mailbox and writes every LifecycleEvent to Kafka until ctx
// is cancelled, then flushes the writer.
func (a *Actor) Run(ctx context.Context) error {
	mailbox, err := a.b.Register(a.self)
	if err != nil {
		return fmt.Errorf("eventexport: register: %w", err)
	}
	defer a.b.Unregister(a.self)

	defer func() {
		if closeErr := a.writer.Close(); closeErr != nil {
			a.logger.Error("eventexport: writer close failed", "err", closeErr)
		}
		a.logger.Info("eventexport: stopped", "reported", a.reportedCount.Load(), "errors", a.errorCount.Load())
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-mailbox:
			if !ok {
				return nil
			}
			ev, ok := env.Body.(messages.LifecycleEvent)
			if !ok {
				continue
			}
			a.export(ctx, ev)
		}
	}
}

func (a *Actor) export(ctx context.Context, ev messages.LifecycleEvent) {
	value, err := json.Marshal(map[string]any{
		"capture_id": ev.CaptureID,
		"key":        ev.Key,
		"sid":        ev.SID,
		"status":     ev.Status,
		"mode":       ev.Mode,
		"iface":      ev.Iface,
		"proc_name":  ev.ProcName,
		"packets":    ev.Packets,
		"bytes":      ev.Bytes,
		"error":      ev.Error,
		"module":     ev.Module,
		"at":         ev.At.UnixMilli(),
	})
	if err != nil {
		a.errorCount.Add(1)
		a.logger.Error("eventexport: serialize failed", "err", err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s:%d", ev.Key, ev.CaptureID)),
		Value: value,
		Time:  ev.At,
	}
	if err := a.writer.WriteMessages(ctx, msg); err != nil {
		a.errorCount.Add(1)
		a.logger.Error("eventexport: write failed", "err", err)
		return
	}
	a.reportedCount.Add(1)
}
