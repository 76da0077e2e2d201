package errs

// 错误码分段：
//   1xxx ClientFault     原样回给客户端，不自动重试
//   2xxx TransientInfra  就近有界退避重试，耗尽后再上抛
//   3xxx DeliveryFailure 投递阶梯内部消化（见 pushd）
//   4xxx Fatal           进程拒绝启动
const (
	CodeAuthRejected     = 1001
	CodeProtocolMismatch = 1002
	CodeMessageFormat    = 1003
	CodePermissionDenied = 1004
	CodeHookRejected     = 1005

	CodeStorageUnavailable  = 2001
	CodeRegistryUnavailable = 2002
	CodeQueueFull           = 2003
	CodeGatewayUnreachable  = 2004
	CodeHookUnavailable     = 2005

	CodeConnectionClosed     = 3001
	CodeBackpressureExceeded = 3002
	CodeAckTimeout           = 3003
	CodeUnknownConnection    = 3004
	CodeUnknownSession       = 3005
	CodeCapacityExhausted    = 3006

	CodeWALCorrupt     = 4001
	CodeSchemaMismatch = 4002
)

var (
	ErrAuthRejected     = NewCodeError(CodeAuthRejected, "auth rejected")
	ErrProtocolMismatch = NewCodeError(CodeProtocolMismatch, "protocol mismatch")
	ErrMessageFormat    = NewCodeError(CodeMessageFormat, "message format")
	ErrPermissionDenied = NewCodeError(CodePermissionDenied, "permission denied")
	ErrHookRejected     = NewCodeError(CodeHookRejected, "rejected by hook")

	ErrStorageUnavailable  = NewCodeError(CodeStorageUnavailable, "storage unavailable")
	ErrRegistryUnavailable = NewCodeError(CodeRegistryUnavailable, "registry unavailable")
	ErrQueueFull           = NewCodeError(CodeQueueFull, "queue full")
	ErrGatewayUnreachable  = NewCodeError(CodeGatewayUnreachable, "gateway unreachable")
	ErrHookUnavailable     = NewCodeError(CodeHookUnavailable, "hook unavailable")

	ErrConnectionClosed     = NewCodeError(CodeConnectionClosed, "connection closed")
	ErrBackpressureExceeded = NewCodeError(CodeBackpressureExceeded, "backpressure exceeded")
	ErrAckTimeout           = NewCodeError(CodeAckTimeout, "ack timeout")
	ErrUnknownConnection    = NewCodeError(CodeUnknownConnection, "unknown connection")
	ErrUnknownSession       = NewCodeError(CodeUnknownSession, "unknown session")
	ErrCapacityExhausted    = NewCodeError(CodeCapacityExhausted, "capacity exhausted")

	ErrWALCorrupt     = NewCodeError(CodeWALCorrupt, "wal corrupt")
	ErrSchemaMismatch = NewCodeError(CodeSchemaMismatch, "schema mismatch")
)

// IsTransient 是否瞬态基础设施错误（可重试）
func IsTransient(err error) bool {
	c := Code(err)
	return c >= 2000 && c < 3000
}

// IsClientFault 是否客户端错误（不重试，原样上抛）
func IsClientFault(err error) bool {
	c := Code(err)
	return c >= 1000 && c < 2000
}
