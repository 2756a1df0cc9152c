// Package chread provides read access to the ClickHouse audit_events table,
// backing the long-horizon audit queries the in-process log does not keep.
package chread

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the audit_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// EventRow represents a single row from the audit_events table.
type EventRow struct {
	Seq         uint64
	Kind        string
	Fingerprint string
	Actor       string
	Timestamp   time.Time
	Reasons     []string
	Preview     string
	TokenID     string
	Error       string
}

// ListEventsParams holds filters and pagination for audit event listing.
type ListEventsParams struct {
	Fingerprint *string
	Kind        *string
	Actor       *string
	StartTime   *time.Time
	EndTime     *time.Time
	Page        int
	PageSize    int
}

// ListEvents returns paginated, filtered audit events and the total count.
// Rows are ordered by sequence number, which is the log's causal order.
func (r *Reader) ListEvents(ctx context.Context, params ListEventsParams) ([]EventRow, int, error) {
	conditions := []string{"1 = 1"}
	args := []any{}

	if params.Fingerprint != nil {
		conditions = append(conditions, "fingerprint = @fingerprint")
		args = append(args, clickhouse.Named("fingerprint", *params.Fingerprint))
	}
	if params.Kind != nil {
		conditions = append(conditions, "kind = @kind")
		args = append(args, clickhouse.Named("kind", *params.Kind))
	}
	if params.Actor != nil {
		conditions = append(conditions, "actor = @actor")
		args = append(args, clickhouse.Named("actor", *params.Actor))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}

	where := strings.Join(conditions, " AND ")
	offset := (params.Page - 1) * params.PageSize

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM audit_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT seq, kind, fingerprint, actor, timestamp, reasons, preview, token_id, error "+
			"FROM audit_events WHERE %s "+
			"ORDER BY seq DESC "+
			"LIMIT @limit OFFSET @offset",
		where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Seq, &e.Kind, &e.Fingerprint, &e.Actor, &e.Timestamp,
			&e.Reasons, &e.Preview, &e.TokenID, &e.Error,
		); err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		events = append(events, e)
	}

	return events, int(total), rows.Err()
}

// History returns the full event sequence for one fingerprint in causal
// order, oldest first.
func (r *Reader) History(ctx context.Context, fingerprint string) ([]EventRow, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT seq, kind, fingerprint, actor, timestamp, reasons, preview, token_id, error
		FROM audit_events
		WHERE fingerprint = @fingerprint
		ORDER BY seq ASC`,
		clickhouse.Named("fingerprint", fingerprint),
	)
	if err != nil {
		return nil, fmt.Errorf("History query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Seq, &e.Kind, &e.Fingerprint, &e.Actor, &e.Timestamp,
			&e.Reasons, &e.Preview, &e.TokenID, &e.Error,
		); err != nil {
			return nil, fmt.Errorf("History scan: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
