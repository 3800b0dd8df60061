package lifecycle

import "errors"

// 错误分类（§错误语义）
// - ErrPersistence：存储不可达/写入被拒，操作中止，无部分状态
// - ErrSchedulingFailed：设备调度器注册失败（含一次立即重试），提醒保持未调度，调用方可见
// - ErrConcurrentModification：同一提醒的操作重入，调用方等当前操作结束后重试
// - 降级（Alarm 回退 Normal）不是错误，通过结果中的 Degraded 标记出去
// - 重复 occurrence 插入按成功处理，吸收操作系统的至少一次触发
var (
	ErrNotFound               = errors.New("reminder not found")
	ErrPersistence            = errors.New("persistence failure")
	ErrSchedulingFailed       = errors.New("failed to register device trigger")
	ErrConcurrentModification = errors.New("operation already in progress for reminder")
	ErrInvalidPattern         = errors.New("invalid reminder pattern")
)
