// Package batch 实现请求批处理：
// 优先级队列调度 + 定时/定量凑批 + 相同请求合并 (按内容哈希, 只打一次上游)。
package batch

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/docforge-ai/docforge/llm"
	"github.com/docforge-ai/docforge/llm/cache"
	"github.com/docforge-ai/docforge/llm/ratelimit"
)

var (
	ErrClosed = errors.New("batch processor closed")
)

// Priority 请求优先级, 数值越大越先执行.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// Executor 执行单个请求, 由上层注入 (通常是 fallback 链).
type Executor func(ctx context.Context, req *llm.Request) (*llm.Response, error)

// Config 批处理器配置
type Config struct {
	// Workers 并发执行批次的 worker 数.
	Workers int
	// MaxQueueSize 等待队列上限, 超限时直接执行而不是拒绝.
	MaxQueueSize int
	// MaxBatchSize 单批请求数上限, 凑满立即交付.
	MaxBatchSize int
	// MaxWait 首个请求入批后的最长等待, 到时交付未满的批.
	MaxWait time.Duration
	// Limiter 可选的上游调度令牌桶, 平滑批内请求的发出速率.
	Limiter *ratelimit.Bucket
}

// DefaultConfig 返回合理的默认值.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		MaxQueueSize: 1000,
		MaxBatchSize: 10,
		MaxWait:      100 * time.Millisecond,
	}
}

// result 一次执行结果, 广播给所有合并的等待方.
type result struct {
	resp *llm.Response
	err  error
}

// pending 一个在途的逻辑请求, 可能有多个等待方.
type pending struct {
	key      string
	req      *llm.Request
	ctx      context.Context
	priority Priority
	seq      uint64

	mu      sync.Mutex
	waiters []chan result
	done    bool
}

func (p *pending) addWaiter() chan result {
	ch := make(chan result, 1)
	p.mu.Lock()
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()
	return ch
}

func (p *pending) broadcast(res result) {
	p.mu.Lock()
	waiters := p.waiters
	p.done = true
	p.mu.Unlock()
	for _, ch := range waiters {
		ch <- res
		close(ch)
	}
}

// Processor 批处理器.
// Submit 的相同请求 (消息、模型与采样参数一致) 合并为一次上游调用,
// 结果广播给全部等待方。
type Processor struct {
	config   Config
	executor Executor
	logger   *zap.Logger

	mu       sync.Mutex
	queue    taskHeap
	inflight map[string]*pending // key -> 队列中或执行中的请求
	seq      uint64
	notify   chan struct{}
	closed   bool

	wg sync.WaitGroup

	// 计量
	submitted atomic.Int64
	coalesced atomic.Int64
	executed  atomic.Int64
	failed    atomic.Int64
	degraded  atomic.Int64
	batches   atomic.Int64
}

// New 创建批处理器并启动 worker.
func New(config Config, executor Executor, logger *zap.Logger) *Processor {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 1000
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 10
	}
	if config.MaxWait <= 0 {
		config.MaxWait = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Processor{
		config:   config,
		executor: executor,
		logger:   logger,
		inflight: make(map[string]*pending),
		notify:   make(chan struct{}, 1),
	}
	heap.Init(&p.queue)

	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit 提交请求并等待结果.
// 与在途请求内容相同的提交不会产生新的上游调用。
func (p *Processor) Submit(ctx context.Context, req *llm.Request, priority Priority) (*llm.Response, error) {
	key := cache.Key(req)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.submitted.Add(1)

	// 合并: 已有同样的在途请求时只挂一个等待方
	if existing, ok := p.inflight[key]; ok {
		ch := existing.addWaiter()
		p.mu.Unlock()
		p.coalesced.Add(1)
		p.logger.Debug("request coalesced", zap.String("key", key))
		return p.wait(ctx, ch)
	}

	// 队列超限时降级为直接执行, 不拒绝请求
	if p.queue.Len() >= p.config.MaxQueueSize {
		p.mu.Unlock()
		p.degraded.Add(1)
		p.logger.Warn("batch queue full, executing inline", zap.String("key", key))
		return p.execute(ctx, req)
	}

	task := &pending{
		key:      key,
		req:      req,
		ctx:      ctx,
		priority: priority,
		seq:      p.seq,
	}
	p.seq++
	ch := task.addWaiter()
	p.inflight[key] = task
	heap.Push(&p.queue, task)
	p.wakeWorker()
	p.mu.Unlock()

	return p.wait(ctx, ch)
}

// wait 等待结果或 ctx 取消.
// 取消只解除本等待方, 上游调用继续完成并服务其他等待方。
func (p *Processor) wait(ctx context.Context, ch chan result) (*llm.Response, error) {
	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// wakeWorker 唤醒一个空闲 worker, 调用方必须持有 p.mu.
func (p *Processor) wakeWorker() {
	if p.closed {
		return
	}
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()

	for {
		tasks, ok := p.nextBatch()
		if !ok {
			return
		}
		p.dispatch(tasks)
	}
}

// nextBatch 阻塞取出一批任务.
// 首个任务出队后开始计时: 凑满 MaxBatchSize 或等满 MaxWait 即交付,
// 先到者为准。关闭后返回 false。
func (p *Processor) nextBatch() ([]*pending, bool) {
	var tasks []*pending
	var timeout <-chan time.Time
	var timer *time.Timer

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		p.mu.Lock()
		for len(tasks) < p.config.MaxBatchSize && p.queue.Len() > 0 {
			tasks = append(tasks, heap.Pop(&p.queue).(*pending))
		}
		if p.queue.Len() > 0 {
			// 本批已满但队列未空, 把别的 worker 叫起来
			p.wakeWorker()
		}
		closed := p.closed
		p.mu.Unlock()

		if len(tasks) >= p.config.MaxBatchSize || (closed && len(tasks) > 0) {
			return tasks, true
		}
		if closed {
			return nil, false
		}

		if len(tasks) > 0 && timer == nil {
			timer = time.NewTimer(p.config.MaxWait)
			timeout = timer.C
		}

		select {
		case <-p.notify:
			// 关闭或有新任务, 回到循环顶部重新检查
		case <-timeout:
			return tasks, true
		}
	}
}

// dispatch 按优先级顺序执行一批任务并广播结果.
// 上游调用运行在与任何单个等待方解耦的 context 上:
// 先来的等待方取消后, 在途调用继续完成并服务其余合并的等待方。
func (p *Processor) dispatch(tasks []*pending) {
	p.batches.Add(1)

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].priority != tasks[j].priority {
			return tasks[i].priority > tasks[j].priority
		}
		return tasks[i].seq < tasks[j].seq
	})

	for _, task := range tasks {
		ctx := context.WithoutCancel(task.ctx)
		if p.config.Limiter != nil {
			if err := p.config.Limiter.Wait(ctx); err != nil {
				p.finish(task, result{err: err})
				continue
			}
		}

		res := result{}
		res.resp, res.err = p.execute(ctx, task.req)
		p.finish(task, res)
	}
}

// finish 摘除 inflight 并广播, 后续相同请求走新调用.
func (p *Processor) finish(task *pending, res result) {
	p.mu.Lock()
	delete(p.inflight, task.key)
	p.mu.Unlock()

	task.broadcast(res)
}

func (p *Processor) execute(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	resp, err := p.executor(ctx, req)
	if err != nil {
		p.failed.Add(1)
	} else {
		p.executed.Add(1)
	}
	return resp, err
}

// Close 停止接收新请求并等待在途请求完成.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.notify)
	p.wg.Wait()

	// worker 退出后仍残留在队列中的任务直接失败
	p.mu.Lock()
	for p.queue.Len() > 0 {
		task := heap.Pop(&p.queue).(*pending)
		delete(p.inflight, task.key)
		task.broadcast(result{err: ErrClosed})
	}
	p.mu.Unlock()
}

// Stats 返回处理器统计.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	queued := p.queue.Len()
	p.mu.Unlock()

	return Stats{
		Submitted: p.submitted.Load(),
		Coalesced: p.coalesced.Load(),
		Executed:  p.executed.Load(),
		Failed:    p.failed.Load(),
		Degraded:  p.degraded.Load(),
		Batches:   p.batches.Load(),
		Queued:    queued,
	}
}

// Stats 处理器统计.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Coalesced int64 `json:"coalesced"`
	Executed  int64 `json:"executed"`
	Failed    int64 `json:"failed"`
	Degraded  int64 `json:"degraded"`
	Batches   int64 `json:"batches"`
	Queued    int   `json:"queued"`
}

// CoalesceRate 返回被合并的提交占比.
func (s Stats) CoalesceRate() float64 {
	if s.Submitted == 0 {
		return 0
	}
	return float64(s.Coalesced) / float64(s.Submitted)
}

// ---- priority heap ----

// taskHeap 按优先级降序、同优先级按提交顺序 (FIFO) 出队.
type taskHeap []*pending

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*pending)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}
