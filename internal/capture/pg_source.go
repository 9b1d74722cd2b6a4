package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"pulseline/pkg/logger"
)

// PostgresSource streams row changes from a logical replication slot using
// the pgoutput plugin. One instance owns one replication connection.
type PostgresSource struct {
	dsn           string
	slot          string
	publication   string
	standbyPeriod time.Duration
	logger        *logger.Logger

	conn      *pgconn.PgConn
	relations map[uint32]*pglogrepl.RelationMessage

	// confirmed is the position acknowledged by the worker; the stream loop
	// reports it upstream in standby status updates.
	confirmed atomic.Uint64
}

func NewPostgresSource(dsn, slot, publication string, standbyPeriod time.Duration, l *logger.Logger) *PostgresSource {
	if standbyPeriod <= 0 {
		standbyPeriod = 10 * time.Second
	}
	return &PostgresSource{
		dsn:           dsn,
		slot:          slot,
		publication:   publication,
		standbyPeriod: standbyPeriod,
		logger:        l,
		relations:     make(map[uint32]*pglogrepl.RelationMessage),
	}
}

func (s *PostgresSource) Start(ctx context.Context, fromPosition uint64) (<-chan RowChange, error) {
	conn, err := pgconn.Connect(ctx, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open replication connection: %w", err)
	}
	s.conn = conn

	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, s.slot, "pgoutput", pglogrepl.CreateReplicationSlotOptions{})
	if err != nil && !isDuplicateObject(err) {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to create replication slot %s: %w", s.slot, err)
	}

	startLSN := pglogrepl.LSN(fromPosition)
	err = pglogrepl.StartReplication(ctx, conn, s.slot, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", s.publication),
		},
	})
	if err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to start replication on slot %s: %w", s.slot, err)
	}

	s.confirmed.Store(fromPosition)

	out := make(chan RowChange, 256)
	go s.stream(ctx, out)
	return out, nil
}

// Ack records the worker's processed position. The stream loop reports it
// in the next standby status update; sending from here would race the
// replication connection.
func (s *PostgresSource) Ack(_ context.Context, position uint64) error {
	for {
		cur := s.confirmed.Load()
		if position <= cur || s.confirmed.CompareAndSwap(cur, position) {
			return nil
		}
	}
}

func (s *PostgresSource) Close(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close(ctx)
}

func (s *PostgresSource) stream(ctx context.Context, out chan<- RowChange) {
	defer close(out)

	var commitTime time.Time
	nextStandby := time.Now().Add(s.standbyPeriod)

	for {
		if time.Now().After(nextStandby) {
			err := pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
				WALWritePosition: pglogrepl.LSN(s.confirmed.Load()),
			})
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Errorf("capture: standby status update failed: %v", err)
				}
				return
			}
			nextStandby = time.Now().Add(s.standbyPeriod)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandby)
		rawMsg, err := s.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() == nil {
				s.logger.Errorf("capture: replication stream lost: %v", err)
			}
			return
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			s.logger.Errorf("capture: replication error response: %s", errMsg.Message)
			return
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(msg.Data) == 0 {
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				s.logger.Warnf("capture: bad keepalive message: %v", err)
				continue
			}
			if pkm.ReplyRequested {
				nextStandby = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				s.logger.Warnf("capture: bad xlog data: %v", err)
				continue
			}
			if !s.handleWALData(ctx, xld, &commitTime, out) {
				return
			}
		}
	}
}

func (s *PostgresSource) handleWALData(ctx context.Context, xld pglogrepl.XLogData, commitTime *time.Time, out chan<- RowChange) bool {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		s.logger.Warnf("capture: undecodable logical message at %s: %v", xld.WALStart, err)
		return true
	}

	switch m := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		s.relations[m.RelationID] = m

	case *pglogrepl.BeginMessage:
		*commitTime = m.CommitTime

	case *pglogrepl.InsertMessage:
		rel, ok := s.relations[m.RelationID]
		if !ok {
			s.logger.Warnf("capture: insert for unknown relation %d", m.RelationID)
			return true
		}
		return s.emit(ctx, out, RowChange{
			Op:         OpInsert,
			Table:      rel.RelationName,
			After:      decodeTuple(rel, m.Tuple),
			Position:   uint64(xld.WALStart),
			OccurredAt: *commitTime,
		})

	case *pglogrepl.UpdateMessage:
		rel, ok := s.relations[m.RelationID]
		if !ok {
			s.logger.Warnf("capture: update for unknown relation %d", m.RelationID)
			return true
		}
		return s.emit(ctx, out, RowChange{
			Op:         OpUpdate,
			Table:      rel.RelationName,
			Before:     decodeTuple(rel, m.OldTuple),
			After:      decodeTuple(rel, m.NewTuple),
			Position:   uint64(xld.WALStart),
			OccurredAt: *commitTime,
		})

	case *pglogrepl.DeleteMessage:
		rel, ok := s.relations[m.RelationID]
		if !ok {
			s.logger.Warnf("capture: delete for unknown relation %d", m.RelationID)
			return true
		}
		return s.emit(ctx, out, RowChange{
			Op:         OpDelete,
			Table:      rel.RelationName,
			Before:     decodeTuple(rel, m.OldTuple),
			Position:   uint64(xld.WALStart),
			OccurredAt: *commitTime,
		})
	}
	return true
}

func (s *PostgresSource) emit(ctx context.Context, out chan<- RowChange, ch RowChange) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- ch:
		return true
	}
}

// decodeTuple maps a wire tuple to column name -> text value. Null columns
// and unchanged TOAST values are omitted.
func decodeTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]string {
	if tuple == nil {
		return nil
	}
	vals := make(map[string]string, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case pglogrepl.TupleDataTypeText:
			vals[name] = string(col.Data)
		case pglogrepl.TupleDataTypeNull, pglogrepl.TupleDataTypeToast:
			// omitted
		}
	}
	return vals
}

func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42710"
}
