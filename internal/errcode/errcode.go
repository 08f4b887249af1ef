package errcode

// 错误码约定：
// - 0：无错误
// - 4xxx：业务类错误（例如生成失败，用户可重新发起）
// - 5xxx：系统错误（需要中断流程）
const (
	OK               = 0
	GenerationFailed = 4001
	SystemError      = 5000
)
