package collab

import (
	"context"
	"errors"
	"log"
	"time"
)

var ErrSnapshotNotFound = errors.New("SNAPSHOT_NOT_FOUND")

// SnapshotStore 外部文档存储的快照接口，实现在 store 包
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, documentID string, version uint64, state []byte) error
	// 无快照时返回 ErrSnapshotNotFound
	LoadLatest(ctx context.Context, documentID string) (state []byte, version uint64, err error)
}

type FlushJob struct {
	DocumentID string
	Version    uint64
	State      []byte
	// 落盘成功后回调（房间借此截断操作日志）
	OnSuccess func()
}

// Bridge 持久化桥：本地有界队列 + worker 落盘 + 有限重试。
// 落盘失败不会挡住房间继续受理操作，只影响两次快照之间的持久性，
// 对提交方完全不可见
type Bridge struct {
	store SnapshotStore
	queue chan FlushJob

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type BridgeOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewBridge(store SnapshotStore, opt BridgeOptions) *Bridge {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 2
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = 5
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 100 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = 5 * time.Second
	}
	b := &Bridge{
		store:       store,
		queue:       make(chan FlushJob, opt.QueueSize),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	for i := 0; i < b.workers; i++ {
		go b.workerLoop(i)
	}
	return b
}

// Enqueue 不阻塞调用方（房间协程），队列满时丢弃并记日志——
// 下一次触发还会带上最新状态，丢一次快照不丢数据
func (b *Bridge) Enqueue(job FlushJob) {
	select {
	case b.queue <- job:
	default:
		log.Printf("bridge queue full, drop snapshot doc=%s ver=%d", job.DocumentID, job.Version)
	}
}

// SaveSync 在调用方协程上同步落盘，带完整的重试。驱逐路径使用：
// 返回时快照要么已经可读，要么重试耗尽被放弃并记日志
func (b *Bridge) SaveSync(job FlushJob) {
	b.saveWithRetry(-1, job)
}

func (b *Bridge) workerLoop(workerID int) {
	for job := range b.queue {
		b.saveWithRetry(workerID, job)
	}
}

func (b *Bridge) saveWithRetry(workerID int, job FlushJob) {
	for attempt := 0; attempt <= b.maxRetry; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := b.store.SaveSnapshot(ctx, job.DocumentID, job.Version, job.State)
		cancel()

		if err == nil {
			if job.OnSuccess != nil {
				job.OnSuccess()
			}
			return
		}
		if attempt == b.maxRetry {
			log.Printf("snapshot persist failed, give up doc=%s ver=%d worker=%d err=%v",
				job.DocumentID, job.Version, workerID, err)
			return
		}
		backoff := b.baseBackoff * time.Duration(1<<attempt)
		if backoff > b.maxBackoff {
			backoff = b.maxBackoff
		}
		time.Sleep(backoff)
	}
}
