package orchestrator

import (
	"context"
	"sort"
	"strings"

	"IMCore/protocol"
	errs "IMCore/tools/errs"
	"IMCore/tools/ids"
)

// SubmitOperation 提交消息操作（撤回/编辑/已读/表态/删除）。
// 与 Submit 共用提交点：操作同样落 WAL、进 committed-messages，
// 存储侧按操作物化状态，推送侧把操作当系统帧推给在线端。
func (o *Orchestrator) SubmitOperation(ctx context.Context, op *protocol.Operation) (*Result, error) {
	target, err := o.validateOp(ctx, op)
	if err != nil {
		return nil, err
	}
	// 操作的在线通知对象：原消息的参与各方，执行者除外
	if op.Extra == nil {
		op.Extra = make(map[string]string)
	}
	if _, ok := op.Extra[protocol.ExtraNotifyTargets]; !ok {
		op.Extra[protocol.ExtraNotifyTargets] = strings.Join(notifyTargets(target, op.ActorID), ",")
	}

	seq, serr := o.seq.Next(ctx, op.ConvID)
	if serr != nil {
		return nil, serr
	}

	committedAt := o.clock().UnixMilli()
	env := &protocol.CommitEnvelope{
		Kind:        protocol.EnvelopeOperation,
		Operation:   op,
		Seq:         seq,
		ConvID:      op.ConvID,
		CommittedAt: committedAt,
	}
	if err := o.commit(ctx, env); err != nil {
		o.seq.Release(op.ConvID, seq)
		return nil, err
	}

	return &Result{ServerMsgID: op.OpID, Seq: seq, CommittedAt: committedAt}, nil
}

func (o *Orchestrator) validateOp(ctx context.Context, op *protocol.Operation) (*protocol.Message, error) {
	if op == nil || op.ServerMsgID == "" || op.ConvID == "" || op.ActorID == "" {
		return nil, errs.ErrMessageFormat.WithDetail("op requires server_msg_id, conv_id, actor_id")
	}
	if op.OpID == "" {
		op.OpID = ids.ServerMsgID()
	}

	target, found, err := o.lookupTarget(ctx, op.ServerMsgID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.ErrMessageFormat.WithDetail("unknown target message " + op.ServerMsgID)
	}

	if op.Kind.SenderOnly() && op.ActorID != target.SenderID {
		return nil, errs.ErrPermissionDenied.WithDetail(string(op.Kind) + " is sender-only")
	}

	switch op.Kind {
	case protocol.OpEdit:
		// edit_version LWW：旧版本直接拒绝，同版本由存储侧幂等吸收
		if op.EditVersion <= 0 {
			return nil, errs.ErrMessageFormat.WithDetail("edit requires edit_version")
		}
		if op.EditVersion < target.EditVersion {
			return nil, errs.ErrPermissionDenied.WithDetail("stale edit_version")
		}
	case protocol.OpReactionAdd, protocol.OpReactionDel:
		if len(op.Content) == 0 {
			return nil, errs.ErrMessageFormat.WithDetail("reaction requires content")
		}
		// 表态不改目标状态，跳过转移检查
		return target, nil
	}

	if to, ok := op.Kind.TargetState(); ok {
		if !protocol.CanTransition(target.State, to) {
			return nil, errs.ErrPermissionDenied.WithDetail(
				"illegal transition " + target.State.String() + " -> " + to.String())
		}
	}
	return target, nil
}

// notifyTargets 原消息相关的所有用户（去掉执行者自己）
func notifyTargets(target *protocol.Message, actorID string) []string {
	set := map[string]struct{}{target.SenderID: {}}
	if target.ReceiverID != "" {
		set[target.ReceiverID] = struct{}{}
	}
	for _, u := range target.Targets {
		set[u] = struct{}{}
	}
	delete(set, actorID)
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// lookupTarget 先查存储；刚提交还没落库的消息从 WAL 回读
func (o *Orchestrator) lookupTarget(ctx context.Context, serverMsgID string) (*protocol.Message, bool, error) {
	if o.reader != nil {
		msg, found, err := o.reader.GetByServerID(ctx, serverMsgID)
		if err == nil && found {
			return msg, true, nil
		}
		if err != nil {
			o.log.Warnf("store lookup %s, falling back to wal: %v", serverMsgID, err)
		}
	}
	entry, found, err := o.w.Get(ctx, serverMsgID)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	env, err := protocol.DecodeEnvelope(entry.Payload)
	if err != nil || env.Message == nil {
		return nil, false, nil
	}
	return env.Message, true, nil
}
