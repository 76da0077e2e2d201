package protocol

// Frame 客户端与网关之间的线缆单元；一个 Frame 恰好包一条命令
// Metadata 承载 session_id / target_user_id / tenant_id / request_id / trace_id

type Command int32

const (
	CmdUnknown      Command = 0
	CmdMessage      Command = 1 // 聊天消息（Send/Ack 子操作）
	CmdSystem       Command = 2 // 系统命令（鉴权、握手、事件、踢下线）
	CmdNotification Command = 3 // 服务端单向通知
	CmdCustom       Command = 4 // 同步代理到外部服务
)

// 子操作名；Custom 的 Op 为外部服务方法名
const (
	OpSend = "send"
	OpAck  = "ack"

	OpAuthChallenge = "auth_challenge"
	OpAuthResponse  = "auth_response"
	OpFormats       = "formats" // 握手：服务端通告支持的编码
	OpEvent         = "event"   // 消息操作信号（edit/read/recall/reaction±）
	OpKicked        = "kicked_by_new_device"
	OpPing          = "ping"
	OpPong          = "pong"

	OpAlert = "alert" // 限流/违规提醒
)

type Reliability int32

const (
	AtMostOnce  Reliability = 0
	AtLeastOnce Reliability = 1
)

// 常用 Metadata 键
const (
	MetaSessionID  = "session_id"
	MetaTargetUser = "target_user_id"
	MetaTenantID   = "tenant_id"
	MetaRequestID  = "request_id"
	MetaTraceID    = "trace_id"
	MetaDeviceID   = "device_id"
	MetaPlatform   = "platform"
	// MetaPushOptions JSON 编码的 PushOptions，发送帧可选携带
	MetaPushOptions = "push_options"
	// MetaServerMsgID 下行推送帧携带的全局消息 ID；
	// 重推时保持不变，连接端按它做重复吸收
	MetaServerMsgID = "server_msg_id"
)

type Frame struct {
	MsgID       int64             `json:"msg_id"` // 64位全局唯一（雪花）
	Cmd         Command           `json:"cmd"`
	Op          string            `json:"op,omitempty"`
	Reliability Reliability       `json:"qos"`
	Metadata    map[string][]byte `json:"meta,omitempty"`
	Payload     []byte            `json:"payload,omitempty"`
}

// MetaString 取字符串型 metadata；缺失返回 ""
func (f *Frame) MetaString(key string) string {
	if f == nil || f.Metadata == nil {
		return ""
	}
	return string(f.Metadata[key])
}

func (f *Frame) SetMeta(key, val string) {
	if f.Metadata == nil {
		f.Metadata = make(map[string][]byte, 4)
	}
	f.Metadata[key] = []byte(val)
}

// Clone 浅拷贝载荷、深拷贝 metadata；扇出时各帧要有独立的元数据
func (f *Frame) Clone() *Frame {
	cp := *f
	if f.Metadata != nil {
		cp.Metadata = make(map[string][]byte, len(f.Metadata))
		for k, v := range f.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// AckBody Message(Ack) 的载荷
type AckBody struct {
	ServerMsgID string `json:"server_msg_id"`
	Seq         int64  `json:"seq,omitempty"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

// FormatsBody 握手通告
type FormatsBody struct {
	Codecs    []string `json:"codecs"` // ["proto","json"]
	Preferred string   `json:"preferred"`
	MaxBytes  int      `json:"max_bytes"`
	PingEvery int      `json:"ping_interval_ms"`
}
