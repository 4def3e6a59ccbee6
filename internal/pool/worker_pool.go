package pool

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// WorkerPool 协程池
//
// 承载请求路径之外的后台副作用（用量日志、密钥最后使用时间）。
// 提交永不阻塞调用方；关闭时在截止时间内排空队列，超时则放弃剩余任务。
type WorkerPool struct {
	name       string
	maxWorkers int
	taskQueue  chan func()
	wg         sync.WaitGroup
	log        *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - name: 池名称，用于日志
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
//   - log: 日志记录器
func NewWorkerPool(name string, maxWorkers, queueSize int, log *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		name:       name,
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(), queueSize),
		log:        log.Named("pool").With(zap.String("pool", name)),
	}
}

// Start 启动工作协程
func (p *WorkerPool) Start() {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// TrySubmit 尝试提交任务
//
// 队列已满或池已关闭时立即返回 false
func (p *WorkerPool) TrySubmit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Pending 返回排队中的任务数
func (p *WorkerPool) Pending() int {
	return len(p.taskQueue)
}

// Shutdown 停止接收任务并排空队列
//
// ctx 到期时返回 ctx.Err()，剩余任务由工作协程在后台继续处理或随进程退出丢弃。
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.taskQueue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		p.log.Warn("worker pool shutdown timed out, abandoning queued tasks",
			zap.Int("pending", len(p.taskQueue)),
		)
		return ctx.Err()
	}
}

// worker 工作协程
func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.run(task)
	}
}

// run 执行任务并捕获 panic
func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("background task panicked", zap.Any("panic", r))
		}
	}()
	task()
}
