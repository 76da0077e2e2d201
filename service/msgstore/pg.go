package msgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"IMCore/protocol"
	errs "IMCore/tools/errs"
)

// PgStore 备选持久层（pgxpool）。与 MongoStore 行为一致：
// server_msg_id 冲突即重复，ON CONFLICT DO NOTHING 吸收。
type PgStore struct {
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS messages (
	server_msg_id TEXT PRIMARY KEY,
	client_msg_id TEXT NOT NULL DEFAULT '',
	conv_id       TEXT NOT NULL,
	sender_id     TEXT NOT NULL,
	receiver_id   TEXT NOT NULL DEFAULT '',
	tenant_id     TEXT NOT NULL DEFAULT '',
	content_type  INT  NOT NULL DEFAULT 0,
	content       BYTEA,
	ts            BIGINT NOT NULL,
	seq           BIGINT NOT NULL,
	state         INT NOT NULL DEFAULT 0,
	edit_version  BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_conv_seq ON messages (conv_id, seq);
CREATE TABLE IF NOT EXISTS conversations (
	conv_id       TEXT PRIMARY KEY,
	server_msg_id TEXT NOT NULL,
	seq           BIGINT NOT NULL,
	ts            BIGINT NOT NULL,
	sender_id     TEXT NOT NULL DEFAULT '',
	preview       BYTEA
);
CREATE TABLE IF NOT EXISTS unread (
	user_id TEXT NOT NULL,
	conv_id TEXT NOT NULL,
	count   BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, conv_id)
);`

func NewPgStore(ctx context.Context, databaseURL string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errs.WrapMsg(err, "connect postgres")
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "ensure schema")
	}
	return &PgStore{pool: pool}, nil
}

func (s *PgStore) UpsertMessages(ctx context.Context, msgs []*protocol.Message) (int, int, error) {
	if len(msgs) == 0 {
		return 0, 0, nil
	}
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(`INSERT INTO messages
			(server_msg_id, client_msg_id, conv_id, sender_id, receiver_id, tenant_id,
			 content_type, content, ts, seq, state, edit_version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (server_msg_id) DO NOTHING`,
			m.ServerMsgID, m.ClientMsgID, m.ConvID, m.SenderID, m.ReceiverID, m.TenantID,
			m.ContentType, m.Content, m.Timestamp, m.Seq, int32(m.State), m.EditVersion)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	inserted := 0
	for range msgs {
		tag, err := br.Exec()
		if err != nil {
			return inserted, 0, errs.ErrStorageUnavailable.WithDetail(err.Error())
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, len(msgs) - inserted, nil
}

func (s *PgStore) ApplyOperation(ctx context.Context, op *protocol.Operation) error {
	var (
		tag interface{ RowsAffected() int64 }
		err error
	)
	switch op.Kind {
	case protocol.OpEdit:
		t, e := s.pool.Exec(ctx, `UPDATE messages
			SET content=$1, edit_version=$2, state=$3
			WHERE server_msg_id=$4 AND edit_version < $2`,
			op.Content, op.EditVersion, int32(protocol.StateEdited), op.ServerMsgID)
		tag, err = t, e
	case protocol.OpReactionAdd, protocol.OpReactionDel:
		// 表态放在扩展表会更干净，当前版本不在 SQL 侧物化
		return nil
	default:
		to, ok := op.Kind.TargetState()
		if !ok {
			return errs.ErrMessageFormat.WithDetail("unknown op kind " + string(op.Kind))
		}
		wipe := op.Kind == protocol.OpRecall || op.Kind == protocol.OpDeleteHard
		t, e := s.pool.Exec(ctx, `UPDATE messages
			SET state=$1, content=CASE WHEN $2 THEN NULL ELSE content END
			WHERE server_msg_id=$3 AND state NOT IN ($4,$5)`,
			int32(to), wipe, op.ServerMsgID,
			int32(protocol.StateRecalled), int32(protocol.StateDeletedHard))
		tag, err = t, e
	}
	if err != nil {
		return errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	if tag.RowsAffected() == 0 {
		var n int64
		if qerr := s.pool.QueryRow(ctx,
			`SELECT count(*) FROM messages WHERE server_msg_id=$1`, op.ServerMsgID).Scan(&n); qerr == nil && n == 0 {
			return errs.ErrStorageUnavailable.WithDetail("target not persisted yet: " + op.ServerMsgID)
		}
	}
	return nil
}

func (s *PgStore) GetByServerID(ctx context.Context, id string) (*protocol.Message, bool, error) {
	m := &protocol.Message{}
	var state int32
	err := s.pool.QueryRow(ctx, `SELECT server_msg_id, client_msg_id, conv_id, sender_id,
		receiver_id, tenant_id, content_type, content, ts, seq, state, edit_version
		FROM messages WHERE server_msg_id=$1`, id).Scan(
		&m.ServerMsgID, &m.ClientMsgID, &m.ConvID, &m.SenderID, &m.ReceiverID, &m.TenantID,
		&m.ContentType, &m.Content, &m.Timestamp, &m.Seq, &state, &m.EditVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	m.State = protocol.FSMState(state)
	return m, true, nil
}

func (s *PgStore) ListByConv(ctx context.Context, convID string, fromSeq int64, limit int) ([]*protocol.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT server_msg_id, client_msg_id, conv_id, sender_id,
		receiver_id, tenant_id, content_type, content, ts, seq, state, edit_version
		FROM messages WHERE conv_id=$1 AND seq >= $2 ORDER BY seq LIMIT $3`,
		convID, fromSeq, limit)
	if err != nil {
		return nil, errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	defer rows.Close()

	var out []*protocol.Message
	for rows.Next() {
		m := &protocol.Message{}
		var state int32
		if err := rows.Scan(&m.ServerMsgID, &m.ClientMsgID, &m.ConvID, &m.SenderID,
			&m.ReceiverID, &m.TenantID, &m.ContentType, &m.Content, &m.Timestamp,
			&m.Seq, &state, &m.EditVersion); err != nil {
			return nil, errs.ErrStorageUnavailable.WithDetail(err.Error())
		}
		m.State = protocol.FSMState(state)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PgStore) MaxSeq(ctx context.Context, convID string) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conv_id=$1`, convID).Scan(&max)
	if err != nil {
		return 0, errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	return max, nil
}

func (s *PgStore) BumpConversation(ctx context.Context, p ConvPointer) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO conversations
		(conv_id, server_msg_id, seq, ts, sender_id, preview)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (conv_id) DO UPDATE
		SET server_msg_id=EXCLUDED.server_msg_id, seq=EXCLUDED.seq,
		    ts=EXCLUDED.ts, sender_id=EXCLUDED.sender_id, preview=EXCLUDED.preview
		WHERE conversations.seq < EXCLUDED.seq`,
		p.ConvID, p.ServerMsgID, p.Seq, p.Ts, p.SenderID, p.Preview)
	if err != nil {
		return errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	return nil
}

func (s *PgStore) Conversation(ctx context.Context, convID string) (*ConvPointer, bool, error) {
	p := &ConvPointer{}
	err := s.pool.QueryRow(ctx, `SELECT conv_id, server_msg_id, seq, ts, sender_id, preview
		FROM conversations WHERE conv_id=$1`, convID).Scan(
		&p.ConvID, &p.ServerMsgID, &p.Seq, &p.Ts, &p.SenderID, &p.Preview)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	return p, true, nil
}

func (s *PgStore) IncrUnread(ctx context.Context, userID, convID string, delta int64) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO unread (user_id, conv_id, count) VALUES ($1,$2,$3)
		ON CONFLICT (user_id, conv_id) DO UPDATE SET count = unread.count + EXCLUDED.count`,
		userID, convID, delta)
	if err != nil {
		return errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	return nil
}

func (s *PgStore) Unread(ctx context.Context, userID, convID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(count), 0) FROM unread WHERE user_id=$1 AND conv_id=$2`,
		userID, convID).Scan(&n)
	if err != nil {
		return 0, errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	return n, nil
}

func (s *PgStore) ResetUnread(ctx context.Context, userID, convID string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO unread (user_id, conv_id, count) VALUES ($1,$2,0)
		ON CONFLICT (user_id, conv_id) DO UPDATE SET count = 0`, userID, convID)
	if err != nil {
		return errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	return nil
}

func (s *PgStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}

var _ Store = (*PgStore)(nil)
