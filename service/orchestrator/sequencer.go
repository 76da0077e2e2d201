package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	errs "IMCore/tools/errs"
	"IMCore/tools/hashring"
	"IMCore/tools/safe"
)

// SeqLoader 冷启动时恢复会话已提交的最大 seq；未见过的会话返回 0
type SeqLoader func(ctx context.Context, convID string) (int64, error)

// SeqSaver 提交成功后推进会话 seq 水位；实现要求只增不减
type SeqSaver func(ctx context.Context, convID string, seq int64) error

type seqReq struct {
	ctx    context.Context
	convID string
	n      int
	// release>0 表示回滚请求：该 seq 是本会话最后分配的就收回
	release int64
	reply   chan seqReply
}

type seqReply struct {
	first int64
	err   error
}

// Sequencer 会话内 seq 连续且单调。每个会话固定散列到一个分片，
// 分片内单 goroutine 串行分配，天然无锁无竞争。
type Sequencer struct {
	shards []chan seqReq
	loader SeqLoader
	stopCh chan struct{}
}

func NewSequencer(shardCount int, loader SeqLoader) *Sequencer {
	if shardCount <= 0 {
		shardCount = 32
	}
	if loader == nil {
		loader = func(context.Context, string) (int64, error) { return 0, nil }
	}
	s := &Sequencer{
		shards: make([]chan seqReq, shardCount),
		loader: loader,
		stopCh: make(chan struct{}),
	}
	for i := range s.shards {
		ch := make(chan seqReq, 256)
		s.shards[i] = ch
		safe.Go(func() { s.runShard(ch) })
	}
	return s
}

func (s *Sequencer) runShard(ch chan seqReq) {
	// 分片内私有状态，只有本 goroutine 访问
	last := make(map[string]int64)
	for {
		select {
		case <-s.stopCh:
			return
		case req := <-ch:
			if req.release > 0 {
				// 提交失败的回收：只有它还是最后一个分配的才能回滚，
				// 否则后来者已在其上，收回会造成双发
				if last[req.convID] == req.release {
					last[req.convID] = req.release - 1
				}
				req.reply <- seqReply{}
				continue
			}
			cur, ok := last[req.convID]
			if !ok {
				loaded, err := s.loader(req.ctx, req.convID)
				if err != nil {
					req.reply <- seqReply{err: errs.WrapMsg(err, "seq bootstrap", "conv_id", req.convID)}
					continue
				}
				cur = loaded
			}
			first := cur + 1
			last[req.convID] = cur + int64(req.n)
			req.reply <- seqReply{first: first}
		}
	}
}

// Next 为 convID 分配 1 个 seq
func (s *Sequencer) Next(ctx context.Context, convID string) (int64, error) {
	return s.NextN(ctx, convID, 1)
}

// NextN 连续分配 n 个，返回首个
func (s *Sequencer) NextN(ctx context.Context, convID string, n int) (int64, error) {
	if n <= 0 {
		n = 1
	}
	idx := hashring.Shard(convID, len(s.shards))
	req := seqReq{ctx: ctx, convID: convID, n: n, reply: make(chan seqReply, 1)}
	select {
	case s.shards[idx] <- req:
	case <-ctx.Done():
		return 0, errs.Wrap(ctx.Err())
	case <-s.stopCh:
		return 0, errs.ErrConnectionClosed.WithDetail("sequencer stopped")
	}
	select {
	case rep := <-req.reply:
		return rep.first, rep.err
	case <-ctx.Done():
		return 0, errs.Wrap(ctx.Err())
	}
}

// Release 收回一个提交失败的 seq。分片单写者，只要它仍是该会话
// 最后分配的值就回滚计数器，下次 Next 重新发同一个号，避免留洞。
func (s *Sequencer) Release(convID string, seq int64) {
	if seq <= 0 {
		return
	}
	idx := hashring.Shard(convID, len(s.shards))
	req := seqReq{convID: convID, release: seq, reply: make(chan seqReply, 1)}
	select {
	case s.shards[idx] <- req:
	case <-s.stopCh:
		return
	}
	select {
	case <-req.reply:
	case <-s.stopCh:
	}
}

func (s *Sequencer) Close() {
	close(s.stopCh)
}

// RedisSeqLoader 从 redis 恢复会话 seq 水位，提交链路每次落 WAL
// 后经 RedisSeqSaver 回写。key 不存在说明是新会话，从 0 起步。
func RedisSeqLoader(rdb redis.UniversalClient) SeqLoader {
	return func(ctx context.Context, convID string) (int64, error) {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		v, err := rdb.Get(ctx, seqWatermarkKey(convID)).Int64()
		if err == redis.Nil {
			return 0, nil
		}
		if err != nil {
			return 0, errs.ErrStorageUnavailable.WithDetail(err.Error())
		}
		return v, nil
	}
}

// RedisSeqSaver 提交成功后推进水位（只增不减）
func RedisSeqSaver(rdb redis.UniversalClient) SeqSaver {
	script := redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local v = tonumber(ARGV[1])
if v > cur then redis.call('SET', KEYS[1], ARGV[1]) end
return 1`)
	return func(ctx context.Context, convID string, seq int64) error {
		if err := script.Run(ctx, rdb, []string{seqWatermarkKey(convID)}, seq).Err(); err != nil {
			return errs.ErrStorageUnavailable.WithDetail(err.Error())
		}
		return nil
	}
}

func seqWatermarkKey(convID string) string {
	return fmt.Sprintf("im:seq:{%s}", convID)
}
