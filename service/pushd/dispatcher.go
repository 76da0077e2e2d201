package pushd

import (
	"context"
	"time"

	"go.uber.org/zap"

	"IMCore/logger"
	"IMCore/metrics"
	"IMCore/protocol"
	"IMCore/service/kafkax"
	"IMCore/service/router"
	errs "IMCore/tools/errs"
	"IMCore/tools/ids"
	"IMCore/tools/retry"
)

type Config struct {
	Topic        string // committed-messages
	OfflineTopic string // push-tasks-offline
	AckTopic     string // ack-events
	DeadTopic    string // dead-letter
	MaxParallel  int
	AckTimeout   time.Duration
	Retry        retry.Policy
}

func (c *Config) defaults() {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 1000
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 15 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.Policy{
			MaxAttempts:  4,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     8 * time.Second,
			Multiplier:   2,
		}
	}
}

// Dispatcher 推送投递面：consume committed-messages，按在线态展开成
// 每网关一批帧，经路由送达；确认走 ack-events，超时重推、耗尽转死信。
type Dispatcher struct {
	cfg     Config
	cache   *PresenceCache
	rt      router.Router
	pub     kafkax.Publisher
	tracker *Tracker
	sem     chan struct{}
	clock   func() time.Time
	log     *zap.SugaredLogger
}

func NewDispatcher(cfg Config, cache *PresenceCache, rt router.Router, pub kafkax.Publisher) *Dispatcher {
	cfg.defaults()
	d := &Dispatcher{
		cfg:   cfg,
		cache: cache,
		rt:    rt,
		pub:   pub,
		sem:   make(chan struct{}, cfg.MaxParallel),
		clock: time.Now,
		log:   logger.S("pushd"),
	}
	d.tracker = NewTracker(cfg.AckTimeout, cfg.Retry, d.redeliver, pub, cfg.DeadTopic)
	return d
}

// Run 起两条消费线：投递流 + 确认流
func (d *Dispatcher) Run(ctx context.Context, kc kafkax.Config) error {
	errCh := make(chan error, 2)
	go func() {
		errCh <- kafkax.StartConsumerGroup(ctx, kc, []string{d.cfg.Topic}, d.HandleCommitted)
	}()
	ackCfg := kc
	ackCfg.GroupID = kc.GroupID + "-acks"
	go func() {
		errCh <- kafkax.StartConsumerGroup(ctx, ackCfg, []string{d.cfg.AckTopic}, d.HandleAck)
	}()
	return <-errCh
}

// HandleCommitted 单条信封的展开与投递。
// 返回 error 的只有整体性失败（fail_fast），offset 留在原地重投。
func (d *Dispatcher) HandleCommitted(_ string, _ int32, _, value []byte) error {
	env, err := protocol.DecodeEnvelope(value)
	if err != nil {
		d.log.Errorf("poison envelope: %v", err)
		return nil
	}
	ctx := context.Background()

	switch env.Kind {
	case protocol.EnvelopeMessage:
		if env.Message == nil {
			return nil
		}
		return d.dispatchMessage(ctx, env)
	case protocol.EnvelopeOperation:
		if env.Operation == nil {
			return nil
		}
		return d.dispatchOperation(ctx, env)
	}
	return nil
}

// HandleAck 确认流：client_ack 解除追踪，其余里程碑忽略
func (d *Dispatcher) HandleAck(_ string, _ int32, _, value []byte) error {
	ev, err := protocol.DecodeAckEvent(value)
	if err != nil {
		return nil
	}
	if ev.AckType == protocol.AckClient && ev.Status == protocol.AckSuccess {
		d.tracker.Confirm(ev.MessageID, ev.UserID)
	}
	return nil
}

func (d *Dispatcher) dispatchMessage(ctx context.Context, env *protocol.CommitEnvelope) error {
	msg := env.Message
	payload, err := msg.Encode()
	if err != nil {
		return nil
	}
	frame := &protocol.Frame{
		MsgID:       ids.Generate(),
		Cmd:         protocol.CmdMessage,
		Op:          protocol.OpEvent,
		Reliability: protocol.AtLeastOnce,
		Payload:     payload,
	}
	// 连接端按全局消息 ID 吸收重投；重推帧带同一个键
	frame.SetMeta(protocol.MetaServerMsgID, msg.ServerMsgID)
	targets := msgRecipients(msg)
	return d.fanOut(ctx, env, frame, targets, true)
}

func (d *Dispatcher) dispatchOperation(ctx context.Context, env *protocol.CommitEnvelope) error {
	op := env.Operation
	payload, err := op.Encode()
	if err != nil {
		return nil
	}
	frame := &protocol.Frame{
		MsgID:       ids.Generate(),
		Cmd:         protocol.CmdSystem,
		Op:          protocol.OpEvent,
		Reliability: protocol.AtMostOnce,
		Payload:     payload,
	}
	// 操作通知尽力而为：离线端靠存储侧的物化结果追平
	return d.fanOut(ctx, env, frame, op.NotifyTargets(), false)
}

// fanOut 在线态展开 → 按网关分组 → 有界并发投递。
// trackAcks 只对消息本体生效，操作通知不进确认追踪。
func (d *Dispatcher) fanOut(ctx context.Context, env *protocol.CommitEnvelope, frame *protocol.Frame, targets []string, trackAcks bool) error {
	opts := env.Options
	byGateway := make(map[string][]*protocol.Frame)
	offline := make([]string, 0)

	for _, user := range targets {
		devices, err := d.cache.Devices(ctx, user)
		if err != nil {
			// 在线态未知 ≠ 离线；fail_fast 整条重投，否则单用户走降级
			if opts.FailFast {
				return err
			}
			d.log.Warnf("presence unknown for %s: %v", user, err)
			if opts.PersistIfOffline {
				offline = append(offline, user)
			} else {
				metrics.PushDispatched.WithLabelValues("failed").Inc()
			}
			continue
		}
		devices = filterDevices(devices, opts)
		if len(devices) == 0 {
			if opts.RequireOnline {
				metrics.PushSuppressedOffline.Inc()
				continue
			}
			offline = append(offline, user)
			continue
		}
		for _, dev := range devices {
			f := frame.Clone()
			f.SetMeta(protocol.MetaTargetUser, user)
			if dev.DeviceID != "" {
				f.SetMeta(protocol.MetaDeviceID, dev.DeviceID)
			}
			byGateway[dev.GatewayID] = append(byGateway[dev.GatewayID], f)
		}
	}

	userOK := make(map[string]bool)
	type gwResult struct {
		gatewayID string
		frames    []*protocol.Frame
		res       *router.DeliverResult
		err       error
	}
	results := make(chan gwResult, len(byGateway))
	for gw, frames := range byGateway {
		d.sem <- struct{}{}
		go func(gw string, frames []*protocol.Frame) {
			defer func() { <-d.sem }()
			res, err := d.rt.Deliver(ctx, gw, frames)
			results <- gwResult{gatewayID: gw, frames: frames, res: res, err: err}
		}(gw, frames)
	}
	var hardErr error
	for i := 0; i < len(byGateway); i++ {
		r := <-results
		if r.err != nil {
			d.log.Warnf("deliver to %s: %v", r.gatewayID, r.err)
			if opts.FailFast && hardErr == nil {
				hardErr = r.err
			}
			continue
		}
		for _, o := range r.res.Outcomes {
			if o.OK() {
				userOK[o.UserID] = true
			}
		}
	}
	if hardErr != nil {
		return hardErr
	}

	// 用户级阶梯：任一连接成功即算送达；全失败的按离线降级
	for _, user := range targets {
		if userOK[user] {
			metrics.PushDispatched.WithLabelValues("ok").Inc()
			if trackAcks {
				d.track(env, user)
			}
			continue
		}
		if containsUser(offline, user) {
			continue // 已在降级名单里
		}
		if _, pushed := firstFrameFor(byGateway, user); !pushed {
			continue // require_online 压掉的
		}
		metrics.PushDispatched.WithLabelValues("failed").Inc()
		if opts.PersistIfOffline {
			offline = append(offline, user)
		}
	}

	d.publishOffline(env, offline)
	return nil
}

func (d *Dispatcher) track(env *protocol.CommitEnvelope, user string) {
	task := &protocol.PushTask{
		MessageID:        env.ServerMsgID(),
		ConvID:           env.ConvID,
		UserID:           user,
		Priority:         env.Options.Priority,
		RequireOnline:    env.Options.RequireOnline,
		PersistIfOffline: env.Options.PersistIfOffline,
		CreatedAt:        d.clock().UnixMilli(),
	}
	payload, err := env.Encode()
	if err != nil {
		return
	}
	d.tracker.Track(task, payload)
}

// redeliver 确认超时后的重推：重新查在线态，单用户小范围走一遍投递
func (d *Dispatcher) redeliver(ctx context.Context, task *protocol.PushTask, payload []byte) error {
	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		return errs.ErrMessageFormat.WithDetail(err.Error())
	}
	if env.Message == nil {
		return nil
	}
	d.cache.Invalidate(task.UserID)
	raw, err := env.Message.Encode()
	if err != nil {
		return err
	}
	frame := &protocol.Frame{
		MsgID:       ids.Generate(),
		Cmd:         protocol.CmdMessage,
		Op:          protocol.OpEvent,
		Reliability: protocol.AtLeastOnce,
		Payload:     raw,
	}
	// 键不变，已收到首推的连接把这次重推当重复吸收
	frame.SetMeta(protocol.MetaServerMsgID, env.Message.ServerMsgID)
	devices, err := d.cache.Devices(ctx, task.UserID)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		if !task.RequireOnline {
			d.publishOffline(env, []string{task.UserID})
		}
		return nil
	}
	for _, dev := range devices {
		f := frame.Clone()
		f.SetMeta(protocol.MetaTargetUser, task.UserID)
		if _, err := d.rt.Deliver(ctx, dev.GatewayID, []*protocol.Frame{f}); err != nil {
			return err
		}
	}
	return nil
}

// publishOffline 离线/降级用户进离线任务主题，交给带外推送通道
func (d *Dispatcher) publishOffline(env *protocol.CommitEnvelope, users []string) {
	if len(users) == 0 || d.pub == nil {
		return
	}
	records := make([]kafkax.Record, 0, len(users))
	for _, user := range users {
		task := &protocol.PushTask{
			MessageID:        env.ServerMsgID(),
			ConvID:           env.ConvID,
			UserID:           user,
			Priority:         env.Options.Priority,
			PersistIfOffline: env.Options.PersistIfOffline,
			CreatedAt:        d.clock().UnixMilli(),
		}
		raw, err := task.Encode()
		if err != nil {
			continue
		}
		records = append(records, kafkax.Record{Topic: d.cfg.OfflineTopic, Key: user, Value: raw})
	}
	if len(records) == 0 {
		return
	}
	if err := d.pub.SendBatch(records); err != nil {
		d.log.Warnf("offline tasks: %v", err)
	}
}

func (d *Dispatcher) Close() {
	d.tracker.Close()
	if d.cache != nil {
		d.cache.Close()
	}
}

func msgRecipients(m *protocol.Message) []string {
	if len(m.Targets) > 0 {
		out := make([]string, 0, len(m.Targets))
		for _, t := range m.Targets {
			if t != m.SenderID {
				out = append(out, t)
			}
		}
		return out
	}
	if m.ReceiverID != "" && m.ReceiverID != m.SenderID {
		return []string{m.ReceiverID}
	}
	return nil
}

func filterDevices(devices []*protocol.PresenceRecord, opts protocol.PushOptions) []*protocol.PresenceRecord {
	if len(opts.Devices) == 0 && len(opts.Platforms) == 0 {
		return devices
	}
	wantDev := toSet(opts.Devices)
	wantPlat := toSet(opts.Platforms)
	// 入参是缓存持有的切片，必须拷贝，原地过滤会写坏缓存条目
	out := make([]*protocol.PresenceRecord, 0, len(devices))
	for _, dev := range devices {
		if len(wantDev) > 0 {
			if _, ok := wantDev[dev.DeviceID]; !ok {
				continue
			}
		}
		if len(wantPlat) > 0 {
			if _, ok := wantPlat[dev.Platform]; !ok {
				continue
			}
		}
		out = append(out, dev)
	}
	return out
}

func toSet(list []string) map[string]struct{} {
	if len(list) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(list))
	for _, v := range list {
		out[v] = struct{}{}
	}
	return out
}

func containsUser(list []string, user string) bool {
	for _, u := range list {
		if u == user {
			return true
		}
	}
	return false
}

func firstFrameFor(byGateway map[string][]*protocol.Frame, user string) (*protocol.Frame, bool) {
	for _, frames := range byGateway {
		for _, f := range frames {
			if f.MetaString(protocol.MetaTargetUser) == user {
				return f, true
			}
		}
	}
	return nil, false
}
