package audit

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
)

// ClickHouseSink persists audit events to ClickHouse. Persist() buffers and a
// background goroutine batch-inserts; when the buffer is full, Persist blocks
// the appender rather than dropping — losing an audit event is a defect, not
// a degradable failure.
type ClickHouseSink struct {
	conn    driver.Conn
	buffer  chan *Event
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseSink connects to ClickHouse and starts the background flush loop.
func NewClickHouseSink(dsn string, logger *zap.Logger) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	// Ensure TLS is enabled for secure connections (e.g. ClickHouse Cloud on
	// port 9440). ParseDSN sets this when ?secure=true is in the DSN.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	s := &ClickHouseSink{
		conn:    conn,
		buffer:  make(chan *Event, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go s.flushLoop()
	return s, nil
}

// Persist queues an audit event for async insertion. Blocks when the buffer
// is full — backpressure, never drops.
func (s *ClickHouseSink) Persist(event *Event) {
	s.buffer <- event
}

// Close signals the flush loop to drain and flush every buffered event, waits
// for it to finish, and then returns. Safe to call once.
func (s *ClickHouseSink) Close() {
	close(s.done)
	<-s.flushed
}

func (s *ClickHouseSink) flushLoop() {
	defer close(s.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, flushBatch)

	for {
		select {
		case event := <-s.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
			// Drain everything the buffer holds before returning. The sink
			// never drops, so the drain is bounded only by the buffer size.
			for {
				select {
				case event := <-s.buffer:
					batch = append(batch, event)
					if len(batch) >= flushBatch {
						s.flush(batch)
						batch = batch[:0]
					}
				default:
					if len(batch) > 0 {
						s.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (s *ClickHouseSink) flush(events []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO audit_events (
			seq, kind, fingerprint, actor, timestamp,
			reasons, preview, token_id, error
		)
	`)
	if err != nil {
		s.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.Seq,
			string(e.Kind),
			string(e.Fingerprint),
			e.Actor,
			e.Timestamp,
			e.Reasons,
			e.Preview,
			e.TokenID,
			e.Error,
		); err != nil {
			s.logger.Error("clickhouse append event failed",
				zap.Uint64("seq", e.Seq),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		s.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// ZapSink is a fallback Sink for local development. It logs events as
// structured JSON to stdout via zap.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a ZapSink that outputs events to the given logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

func (s *ZapSink) Persist(event *Event) {
	s.logger.Info("audit_event",
		zap.Uint64("seq", event.Seq),
		zap.String("kind", string(event.Kind)),
		zap.String("fingerprint", string(event.Fingerprint)),
		zap.String("actor", event.Actor),
		zap.Strings("reasons", event.Reasons),
		zap.String("preview", event.Preview),
		zap.String("token_id", event.TokenID),
		zap.String("error", event.Error),
	)
}

func (s *ZapSink) Close() {}
