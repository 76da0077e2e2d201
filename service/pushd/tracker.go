package pushd

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"IMCore/logger"
	"IMCore/metrics"
	"IMCore/protocol"
	"IMCore/service/kafkax"
	"IMCore/tools/retry"
	"IMCore/tools/safe"
)

type pendingAck struct {
	key       string // message_id|user_id
	task      *protocol.PushTask
	payload   []byte
	attempts  int
	due       time.Time
	index     int // -1 表示已出堆在重投中
	confirmed bool
}

type ackHeap []*pendingAck

func (h ackHeap) Len() int            { return len(h) }
func (h ackHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h ackHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *ackHeap) Push(x interface{}) { p := x.(*pendingAck); p.index = len(*h); *h = append(*h, p) }
func (h *ackHeap) Pop() interface{} {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}

// Redeliver 到期重推；返回错误只推迟下一次尝试，次数照计
type Redeliver func(ctx context.Context, task *protocol.PushTask, payload []byte) error

// Tracker 在途推送的确认追踪。到期未确认按退避重推，
// 次数耗尽转死信主题（带原始载荷、原因、重试次数）。
type Tracker struct {
	timeout   time.Duration
	policy    retry.Policy
	redeliver Redeliver
	deadPub   kafkax.Publisher
	deadTopic string
	clock     func() time.Time

	mu    sync.Mutex
	heap  ackHeap
	byKey map[string]*pendingAck

	stopCh chan struct{}
	wakeCh chan struct{}
	log    *zap.SugaredLogger
}

func NewTracker(timeout time.Duration, policy retry.Policy, redeliver Redeliver, deadPub kafkax.Publisher, deadTopic string) *Tracker {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	t := &Tracker{
		timeout:   timeout,
		policy:    policy,
		redeliver: redeliver,
		deadPub:   deadPub,
		deadTopic: deadTopic,
		clock:     time.Now,
		byKey:     make(map[string]*pendingAck),
		stopCh:    make(chan struct{}),
		wakeCh:    make(chan struct{}, 1),
		log:       logger.S("ack-tracker"),
	}
	safe.Go(t.loop)
	return t
}

func ackKey(messageID, userID string) string { return messageID + "|" + userID }

// Track 登记一次待确认投递；同键重复登记只刷新期限
func (t *Tracker) Track(task *protocol.PushTask, payload []byte) {
	key := ackKey(task.MessageID, task.UserID)
	t.mu.Lock()
	if p, ok := t.byKey[key]; ok {
		p.due = t.clock().Add(t.timeout)
		heap.Fix(&t.heap, p.index)
		t.mu.Unlock()
		t.wake()
		return
	}
	p := &pendingAck{key: key, task: task, payload: payload, due: t.clock().Add(t.timeout)}
	heap.Push(&t.heap, p)
	t.byKey[key] = p
	metrics.AckTracked.Set(float64(len(t.byKey)))
	t.mu.Unlock()
	t.wake()
}

// Confirm 收到 client_ack；未知键幂等吸收
func (t *Tracker) Confirm(messageID, userID string) {
	key := ackKey(messageID, userID)
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byKey[key]
	if !ok {
		return
	}
	if p.index >= 0 {
		heap.Remove(&t.heap, p.index)
	} else {
		p.confirmed = true // 正在重投，回堆时丢弃
	}
	delete(t.byKey, key)
	metrics.AckTracked.Set(float64(len(t.byKey)))
}

// Pending 单测观察口
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}

func (t *Tracker) wake() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

func (t *Tracker) loop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		t.mu.Lock()
		var wait time.Duration = time.Hour
		if len(t.heap) > 0 {
			wait = time.Until(t.heap[0].due)
		}
		t.mu.Unlock()
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-t.stopCh:
			return
		case <-t.wakeCh:
		case <-timer.C:
			t.expire()
		}
	}
}

func (t *Tracker) expire() {
	now := t.clock()
	var due []*pendingAck

	t.mu.Lock()
	for len(t.heap) > 0 && !t.heap[0].due.After(now) {
		p := heap.Pop(&t.heap).(*pendingAck)
		p.index = -1
		due = append(due, p)
	}
	t.mu.Unlock()

	for _, p := range due {
		p.attempts++
		if p.attempts >= t.policy.MaxAttempts {
			t.deadLetter(p)
			t.mu.Lock()
			delete(t.byKey, p.key)
			metrics.AckTracked.Set(float64(len(t.byKey)))
			t.mu.Unlock()
			continue
		}
		metrics.PushDispatched.WithLabelValues("retried").Inc()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := t.redeliver(ctx, p.task, p.payload); err != nil {
			t.log.Warnf("redeliver %s attempt %d: %v", p.key, p.attempts, err)
		}
		cancel()
		// 按退避推后下一次到期
		p.due = t.clock().Add(t.timeout + t.policy.Backoff(p.attempts))
		t.mu.Lock()
		if !p.confirmed {
			heap.Push(&t.heap, p)
		}
		t.mu.Unlock()
	}
	t.wake()
}

func (t *Tracker) deadLetter(p *pendingAck) {
	metrics.PushDispatched.WithLabelValues("dead_letter").Inc()
	dl := &protocol.DeadLetter{
		MessageID:  p.task.MessageID,
		UserID:     p.task.UserID,
		Reason:     "ack timeout",
		RetryCount: p.attempts,
		Payload:    p.payload,
		Ts:         t.clock().UnixMilli(),
	}
	raw, err := dl.Encode()
	if err != nil {
		t.log.Errorf("dead letter encode %s: %v", p.key, err)
		return
	}
	if t.deadPub == nil {
		t.log.Errorf("dead letter dropped, no publisher: %s", p.key)
		return
	}
	if err := t.deadPub.Send(t.deadTopic, p.task.MessageID, raw); err != nil {
		t.log.Errorf("dead letter publish %s: %v", p.key, err)
	}
}

func (t *Tracker) Close() {
	close(t.stopCh)
}
