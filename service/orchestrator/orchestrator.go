package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"IMCore/logger"
	"IMCore/metrics"
	"IMCore/protocol"
	"IMCore/service/orchestrator/wal"
	errs "IMCore/tools/errs"
	"IMCore/tools/ids"
)

// Clock 可注入时钟，单测用
type Clock func() time.Time

// Result 提交结果；Duplicate 表示命中幂等表，字段取首次提交的值
type Result struct {
	ServerMsgID string
	Seq         int64
	CommittedAt int64
	Duplicate   bool
}

// MessageReader 操作权限检查用的目标消息读取口，通常由存储层实现
type MessageReader interface {
	GetByServerID(ctx context.Context, serverMsgID string) (*protocol.Message, bool, error)
}

type Options struct {
	Deduper   Deduper
	Hooks     *HookChain
	Sequencer *Sequencer
	SeqSave   SeqSaver // 可空；空则重启后水位只能从 0 起
	WAL       wal.WAL
	Batcher   *Batcher
	Reader    MessageReader // 可空，空则操作只走 WAL 回读
	Clock     Clock
}

// Orchestrator 提交链路：归一化 → 幂等 → 钩子 → 定序 → WAL → 发布。
// WAL 落盘即提交点；之后的发布失败由恢复扫描兜底，不影响返回。
type Orchestrator struct {
	dedupe  Deduper
	hooks   *HookChain
	seq     *Sequencer
	seqSave SeqSaver
	w       wal.WAL
	batcher *Batcher
	reader  MessageReader
	clock   Clock
	log     *zap.SugaredLogger
}

func New(opts Options) *Orchestrator {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Orchestrator{
		dedupe:  opts.Deduper,
		hooks:   opts.Hooks,
		seq:     opts.Sequencer,
		seqSave: opts.SeqSave,
		w:       opts.WAL,
		batcher: opts.Batcher,
		reader:  opts.Reader,
		clock:   clock,
		log:     logger.S("orchestrator"),
	}
}

// Submit 提交一条新消息。同一 (sender_id, client_msg_id) 重复提交
// 返回首次结果且不产生第二条消息。
func (o *Orchestrator) Submit(ctx context.Context, msg *protocol.Message, opts protocol.PushOptions) (*Result, error) {
	if err := o.normalize(msg); err != nil {
		return nil, err
	}

	// client_msg_id 为空表示调用方放弃幂等保证
	if msg.ClientMsgID != "" && o.dedupe != nil {
		cached, err := o.dedupe.Lookup(ctx, msg.SenderID, msg.ClientMsgID)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			metrics.SubmitTotal.WithLabelValues("duplicate").Inc()
			return &Result{
				ServerMsgID: cached.ServerMsgID,
				Seq:         cached.Seq,
				CommittedAt: cached.CommittedAt,
				Duplicate:   true,
			}, nil
		}
	}

	if o.hooks != nil {
		if err := o.hooks.Run(ctx, msg); err != nil {
			metrics.SubmitTotal.WithLabelValues("rejected").Inc()
			return nil, err
		}
	}

	seq, err := o.seq.Next(ctx, msg.ConvID)
	if err != nil {
		return nil, err
	}
	msg.Seq = seq
	msg.State = protocol.StateSent

	committedAt := o.clock().UnixMilli()
	env := &protocol.CommitEnvelope{
		Kind:        protocol.EnvelopeMessage,
		Message:     msg,
		Options:     opts,
		Seq:         seq,
		ConvID:      msg.ConvID,
		CommittedAt: committedAt,
	}
	if err := o.commit(ctx, env); err != nil {
		// 未提交的 seq 收回，客户端重试才能拿回同一个号，不留洞
		o.seq.Release(msg.ConvID, seq)
		metrics.SubmitTotal.WithLabelValues("unavailable").Inc()
		return nil, err
	}

	if msg.ClientMsgID != "" && o.dedupe != nil {
		r := &DedupeResult{ServerMsgID: msg.ServerMsgID, Seq: seq, CommittedAt: committedAt}
		// WAL 已提交，幂等表写失败只记警告：丢重复比丢消息可接受
		if err := o.dedupe.Record(ctx, msg.SenderID, msg.ClientMsgID, r); err != nil {
			o.log.Warnf("dedupe record %s|%s: %v", msg.SenderID, msg.ClientMsgID, err)
		}
	}

	metrics.SubmitTotal.WithLabelValues("ok").Inc()
	return &Result{ServerMsgID: msg.ServerMsgID, Seq: seq, CommittedAt: committedAt}, nil
}

func (o *Orchestrator) normalize(msg *protocol.Message) error {
	if msg == nil {
		return errs.ErrMessageFormat.WithDetail("nil message")
	}
	if msg.ConvID == "" || msg.SenderID == "" {
		return errs.ErrMessageFormat.WithDetail("conv_id and sender_id required")
	}
	if msg.ServerMsgID == "" {
		msg.ServerMsgID = ids.ServerMsgID()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = o.clock().UnixMilli()
	}
	msg.State = protocol.StateCreated
	return nil
}

// commit 落 WAL 并进发布缓冲。WAL 失败同步上抛；
// 缓冲打满只记日志，pending 条目由恢复扫描补发。
func (o *Orchestrator) commit(ctx context.Context, env *protocol.CommitEnvelope) error {
	payload, err := env.Encode()
	if err != nil {
		return errs.Wrap(err)
	}
	entry := &wal.Entry{
		ServerMsgID: env.ServerMsgID(),
		ConvID:      env.ConvID,
		Seq:         env.Seq,
		Payload:     payload,
		ReceivedAt:  o.clock().UnixMilli(),
	}
	if err := o.w.Append(ctx, entry); err != nil {
		if errs.Code(err) == 0 {
			return errs.ErrStorageUnavailable.WithDetail(err.Error())
		}
		return err
	}
	// 水位随提交推进，定序器重启后由 loader 从这里续上。
	// WAL 同库刚写成功，这里失败基本是瞬态；只告警不回滚提交，
	// 滞后的水位由本会话下一次成功提交补上
	if o.seqSave != nil {
		if err := o.seqSave(ctx, env.ConvID, env.Seq); err != nil {
			o.log.Warnf("seq watermark %s@%d: %v", env.ConvID, env.Seq, err)
		}
	}
	if err := o.batcher.Enqueue(ctx, env); err != nil {
		o.log.Warnf("enqueue %s deferred to recovery: %v", entry.ServerMsgID, err)
	}
	return nil
}

// Close 按提交链路逆序收尾
func (o *Orchestrator) Close() {
	if o.batcher != nil {
		o.batcher.Close()
	}
	if o.seq != nil {
		o.seq.Close()
	}
	if o.dedupe != nil {
		_ = o.dedupe.Close()
	}
	if o.w != nil {
		_ = o.w.Close()
	}
}
