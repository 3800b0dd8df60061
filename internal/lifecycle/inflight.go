package lifecycle

import "sync"

// inflightOp 一次进行中的 create/edit 操作
type inflightOp struct {
	cancelRequested bool
}

// inflightGuard 以提醒ID为键的"操作进行中"集合
// 单设备上的操作在事件循环上串行，这里防的是同一提醒的 await 链重入：
// 重入直接拒绝（ErrConcurrentModification），不去竞争句柄写入
type inflightGuard struct {
	mu  sync.Mutex
	ops map[string]*inflightOp
}

func newInflightGuard() *inflightGuard {
	return &inflightGuard{ops: make(map[string]*inflightOp)}
}

// begin 进入操作；已有操作进行中则返回 false
func (g *inflightGuard) begin(reminderID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.ops[reminderID]; exists {
		return false
	}
	g.ops[reminderID] = &inflightOp{}
	return true
}

// end 结束操作，返回期间是否有取消请求
func (g *inflightGuard) end(reminderID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	op, exists := g.ops[reminderID]
	delete(g.ops, reminderID)
	return exists && op.cancelRequested
}

// requestCancel 对进行中的操作标记取消；无进行中操作返回 false
func (g *inflightGuard) requestCancel(reminderID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	op, exists := g.ops[reminderID]
	if !exists {
		return false
	}
	op.cancelRequested = true
	return true
}
