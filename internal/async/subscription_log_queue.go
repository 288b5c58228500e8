// 文件路径: internal/async/subscription_log_queue.go
// 模块说明: 这是 internal 模块里的 subscription_log_queue 逻辑，把订阅访问日志攒批后异步落库，请求路径不等待数据库。
package async

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/creamcroissant/subrelay/internal/repository"
)

// SubscriptionLogQueue buffers subscription logs before background ingestion.
type SubscriptionLogQueue struct {
	mu       sync.Mutex
	logs     []*repository.SubscriptionLog
	repo     repository.SubscriptionLogRepository
	logger   *slog.Logger
	interval time.Duration
	capacity int
	dropped  int64
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

const (
	subscriptionLogWriteTimeout  = 3 * time.Second
	defaultSubscriptionLogFlush  = 5 * time.Second
	defaultSubscriptionLogBuffer = 4096
)

// QueueOptions 调整刷新周期与缓冲上限，零值使用默认值。
type QueueOptions struct {
	FlushInterval time.Duration
	Capacity      int
}

// NewSubscriptionLogQueue constructs a buffered queue for subscription logs.
func NewSubscriptionLogQueue(repo repository.SubscriptionLogRepository, logger *slog.Logger, opts QueueOptions) *SubscriptionLogQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultSubscriptionLogFlush
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaultSubscriptionLogBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &SubscriptionLogQueue{
		logs:     make([]*repository.SubscriptionLog, 0),
		repo:     repo,
		logger:   logger,
		interval: opts.FlushInterval,
		capacity: opts.Capacity,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go q.worker()
	return q
}

// Enqueue appends a subscription log for asynchronous processing.
// 缓冲已满时丢弃并计数，访问日志不能反压订阅请求。
func (q *SubscriptionLogQueue) Enqueue(log *repository.SubscriptionLog) {
	if q == nil || log == nil {
		return
	}
	if log.CreatedAt == 0 {
		log.CreatedAt = time.Now().Unix()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.logs) >= q.capacity {
		q.dropped++
		return
	}
	q.logs = append(q.logs, log)
}

// Dropped 返回因缓冲满而丢弃的日志条数。
func (q *SubscriptionLogQueue) Dropped() int64 {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// worker periodically flushes logs to the database.
func (q *SubscriptionLogQueue) worker() {
	defer close(q.done)
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			q.flush()
			return
		case <-ticker.C:
			q.flush()
		}
	}
}

// flush writes all pending logs to the repository.
func (q *SubscriptionLogQueue) flush() {
	q.mu.Lock()
	if len(q.logs) == 0 {
		q.mu.Unlock()
		return
	}
	pending := q.logs
	q.logs = make([]*repository.SubscriptionLog, 0, len(pending))
	q.mu.Unlock()

	for _, log := range pending {
		// 停机时 q.ctx 已取消，最后一批仍需写入
		logCtx, cancel := context.WithTimeout(context.Background(), subscriptionLogWriteTimeout)
		err := q.repo.Log(logCtx, log)
		cancel()
		if err != nil {
			q.logger.Error("failed to persist subscription log", "error", err, "user_id", log.UserID)
		}
	}
}

// Stop gracefully shuts down the queue worker and waits for the final flush.
func (q *SubscriptionLogQueue) Stop(ctx context.Context) {
	if q == nil {
		return
	}
	q.stopOnce.Do(q.cancel)
	if ctx == nil {
		<-q.done
		return
	}
	select {
	case <-q.done:
	case <-ctx.Done():
		q.logger.Warn("subscription log queue stop timed out", "error", ctx.Err())
	}
}
