package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/approvalgate/pkg/pglock"
)

// Relay polls an outbox table and hands unpublished rows to a Dispatcher.
// Failed rows are retried with exponential backoff until MaxAttempts.
type Relay struct {
	pool       *pgxpool.Pool
	table      pgx.Identifier
	tableLabel string
	dispatcher Dispatcher
	opts       RelayOptions
	lockKey    int64
	m          *metrics
}

func NewRelay(pool *pgxpool.Pool, table pgx.Identifier, dispatcher Dispatcher, opts RelayOptions) (*Relay, error) {
	switch {
	case pool == nil:
		return nil, invalidConfig("pool is required")
	case len(table) == 0:
		return nil, invalidConfig("table is required")
	case dispatcher == nil:
		return nil, invalidConfig("dispatcher is required")
	}
	opts.setDefaults()
	label := TableLabel(table)
	return &Relay{
		pool:       pool,
		table:      table,
		tableLabel: label,
		dispatcher: dispatcher,
		opts:       opts,
		lockKey:    pglock.Key("outbox:" + label),
		m:          getMetrics(),
	}, nil
}

func (r *Relay) Run(ctx context.Context) error {
	if !r.opts.SingleActive {
		r.m.relayLeader.WithLabelValues(r.tableLabel).Set(1)
		return r.loop(ctx, nil)
	}

	for {
		conn, leader, err := r.acquireLeader(ctx)
		if err != nil {
			r.opts.Logger.WithError(err).Warn("outbox: leader election failed")
		}
		if leader {
			r.m.relayLeader.WithLabelValues(r.tableLabel).Set(1)
			r.opts.Logger.Info("outbox: relay became leader")
			err = r.loop(ctx, conn)
			_ = pglock.Unlock(context.Background(), conn, r.lockKey)
			conn.Release()
			return err
		}
		r.m.relayLeader.WithLabelValues(r.tableLabel).Set(0)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.PollInterval):
		}
	}
}

// acquireLeader returns a held connection only when the advisory lock was taken.
func (r *Relay) acquireLeader(ctx context.Context) (*pgxpool.Conn, bool, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	ok, err := pglock.TryLock(ctx, conn, r.lockKey)
	if err != nil || !ok {
		conn.Release()
		return nil, false, err
	}
	return conn, true, nil
}

func (r *Relay) loop(ctx context.Context, conn *pgxpool.Conn) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	nextDepthAt := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if time.Now().After(nextDepthAt) {
			if err := r.observeQueueDepth(ctx, conn); err != nil {
				r.opts.Logger.WithError(err).Debug("outbox: observe queue depth failed")
			}
			nextDepthAt = time.Now().Add(r.opts.ObserveQueueDepthEvery)
		}

		if err := r.ProcessOnce(ctx, conn); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			r.opts.Logger.WithError(err).Warn("outbox: process tick failed")
		}
	}
}

type claimedRow struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Topic          string
	Payload        []byte
	EventID        uuid.UUID
	Sequence       int64
	Attempts       int
}

func (c claimedRow) fields(table string) logrus.Fields {
	return logrus.Fields{
		"table":           table,
		"topic":           c.Topic,
		"event_id":        c.EventID.String(),
		"organization_id": c.OrganizationID.String(),
		"sequence":        c.Sequence,
		"attempts":        c.Attempts,
	}
}

// ProcessOnce claims one batch and dispatches it. conn may be nil.
func (r *Relay) ProcessOnce(ctx context.Context, conn *pgxpool.Conn) error {
	rows, err := r.claim(ctx, conn, time.Now())
	if err != nil {
		return err
	}
	for _, c := range rows {
		r.dispatchOne(ctx, conn, c)
	}
	return nil
}

func (r *Relay) dispatchOne(ctx context.Context, conn *pgxpool.Conn, c claimedRow) {
	dispatchCtx, cancel := context.WithTimeout(ctx, r.opts.DispatchTimeout)
	start := time.Now()
	err := r.dispatcher.Dispatch(dispatchCtx, DispatchedMessage{
		Meta: Meta{
			Table:          r.table,
			OrganizationID: c.OrganizationID,
			Topic:          c.Topic,
			EventID:        c.EventID,
			Sequence:       c.Sequence,
			Attempts:       c.Attempts,
		},
		Payload: c.Payload,
	})
	cancel()
	latency := time.Since(start).Seconds()
	log := r.opts.Logger.WithFields(c.fields(r.tableLabel))

	tableName := r.table.Sanitize()
	if err == nil {
		r.m.dispatchTotal.WithLabelValues(r.tableLabel, c.Topic, "success").Inc()
		r.m.dispatchLatency.WithLabelValues(r.tableLabel, c.Topic, "success").Observe(latency)
		q := fmt.Sprintf(`UPDATE %s SET published_at = now(), locked_at = NULL, last_error = NULL
			WHERE id = $1 AND published_at IS NULL`, tableName)
		if ackErr := r.exec(ctx, conn, q, c.ID); ackErr != nil {
			log.WithError(ackErr).Warn("outbox: ack failed")
		}
		return
	}

	r.m.dispatchTotal.WithLabelValues(r.tableLabel, c.Topic, "failure").Inc()
	r.m.dispatchLatency.WithLabelValues(r.tableLabel, c.Topic, "failure").Observe(latency)
	lastErr := truncateError(err, r.opts.LastErrorMaxLen)

	next := time.Now()
	if c.Attempts >= r.opts.MaxAttempts {
		r.m.deadTotal.WithLabelValues(r.tableLabel, c.Topic).Inc()
		log.WithError(err).Error("outbox: message is dead")
	} else {
		next = next.Add(backoff(c.Attempts, r.opts.MaxBackoff) + jitter(r.opts.Rand, r.opts.JitterMax))
	}
	q := fmt.Sprintf(`UPDATE %s SET locked_at = NULL, last_error = $2, available_at = $3
		WHERE id = $1 AND published_at IS NULL`, tableName)
	if nackErr := r.exec(ctx, conn, q, c.ID, lastErr, next); nackErr != nil {
		log.WithError(nackErr).Warn("outbox: nack failed")
	}
}

func (r *Relay) claim(ctx context.Context, conn *pgxpool.Conn, now time.Time) ([]claimedRow, error) {
	var items []claimedRow
	err := r.inTx(ctx, conn, func(tx pgx.Tx) error {
		tableName := r.table.Sanitize()
		rows, err := tx.Query(ctx, fmt.Sprintf(
			`SELECT id, organization_id, topic, payload, event_id, sequence, attempts
			   FROM %s
			  WHERE published_at IS NULL
			    AND available_at <= $1
			    AND attempts < $2
			    AND (locked_at IS NULL OR locked_at < $3)
			  ORDER BY available_at, sequence
			  LIMIT $4
			  FOR UPDATE SKIP LOCKED`, tableName),
			now, r.opts.MaxAttempts, now.Add(-r.opts.LockTTL), r.opts.BatchSize,
		)
		if err != nil {
			return fmt.Errorf("outbox claim select: %w", err)
		}
		ids := make([]uuid.UUID, 0, r.opts.BatchSize)
		for rows.Next() {
			var c claimedRow
			if err := rows.Scan(&c.ID, &c.OrganizationID, &c.Topic, &c.Payload, &c.EventID, &c.Sequence, &c.Attempts); err != nil {
				rows.Close()
				return fmt.Errorf("outbox claim scan: %w", err)
			}
			c.Attempts++
			items = append(items, c)
			ids = append(ids, c.ID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("outbox claim rows: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET locked_at = $1, attempts = attempts + 1 WHERE id = ANY($2)`, tableName),
			now, pgtype.FlatArray[uuid.UUID](ids),
		)
		if err != nil {
			return fmt.Errorf("outbox claim update: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *Relay) observeQueueDepth(ctx context.Context, conn *pgxpool.Conn) error {
	q := fmt.Sprintf(`SELECT count(*) FROM %s WHERE published_at IS NULL`, r.table.Sanitize())
	var pending int64
	var row pgx.Row
	if conn != nil {
		row = conn.QueryRow(ctx, q)
	} else {
		row = r.pool.QueryRow(ctx, q)
	}
	if err := row.Scan(&pending); err != nil {
		return fmt.Errorf("outbox pending count: %w", err)
	}
	r.m.pending.WithLabelValues(r.tableLabel).Set(float64(pending))
	return nil
}

func (r *Relay) exec(ctx context.Context, conn *pgxpool.Conn, sql string, args ...any) error {
	return r.inTx(ctx, conn, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, sql, args...)
		return err
	})
}

// inTx runs fn on the leader connection when held, otherwise on the pool.
func (r *Relay) inTx(ctx context.Context, conn *pgxpool.Conn, fn func(pgx.Tx) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	if conn != nil {
		tx, err = conn.Begin(ctx)
	} else {
		tx, err = r.pool.Begin(ctx)
	}
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
