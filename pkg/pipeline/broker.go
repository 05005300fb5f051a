package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docquarry/quarry/pkg/config"
)

// Payload is the state threaded through a task chain. Stages communicate
// only through it and the persisted intermediates, never shared memory.
type Payload struct {
	JobID    string `json:"job_id"`
	ParentID string `json:"parent_id"`

	// Failed marks the chain as dead; downstream stages pass through
	// without work.
	Failed bool `json:"failed,omitempty"`

	// Vars carries small inter-stage values (artifact keys, counts).
	// Anything big goes to the artifact store and only its key rides here.
	Vars map[string]string `json:"vars,omitempty"`
}

func (p *Payload) Set(key, value string) {
	if p.Vars == nil {
		p.Vars = map[string]string{}
	}
	p.Vars[key] = value
}

func (p *Payload) Get(key string) string {
	return p.Vars[key]
}

// Task is one broker delivery: run a single stage of a chain.
type Task struct {
	Chain   string   `json:"chain"`
	Stage   string   `json:"stage"`
	Attempt int      `json:"attempt"`
	Payload *Payload `json:"payload"`
}

// Broker delivers tasks to workers. Dequeue blocks until a task arrives or
// the context ends.
type Broker interface {
	Enqueue(ctx context.Context, task *Task) error
	Dequeue(ctx context.Context) (*Task, error)
	Close() error
}

// NewBroker builds the configured broker implementation.
func NewBroker(cfg config.PipelineConfig) (Broker, error) {
	switch cfg.Broker {
	case "redis":
		return NewRedisBroker(cfg), nil
	case "memory":
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}

// RedisBroker is a durable list-backed queue. Enqueue pushes to the head,
// workers pop from the tail, so delivery is FIFO.
type RedisBroker struct {
	client *redis.Client
	queue  string
}

func NewRedisBroker(cfg config.PipelineConfig) *RedisBroker {
	return &RedisBroker{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
		queue: cfg.Queue,
	}
}

func (b *RedisBroker) Enqueue(ctx context.Context, task *Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	if err := b.client.LPush(ctx, b.queue, raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (b *RedisBroker) Dequeue(ctx context.Context) (*Task, error) {
	for {
		// A finite poll timeout keeps the blocking pop responsive to
		// context cancellation.
		res, err := b.client.BRPop(ctx, 5*time.Second, b.queue).Result()
		if err == redis.Nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to dequeue task: %w", err)
		}
		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			return nil, fmt.Errorf("failed to decode task: %w", err)
		}
		return &task, nil
	}
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// MemoryBroker is the in-process queue used for single-node deployments
// and tests. Not durable across restarts.
type MemoryBroker struct {
	ch     chan *Task
	once   sync.Once
	closed chan struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		ch:     make(chan *Task, 1024),
		closed: make(chan struct{}),
	}
}

func (b *MemoryBroker) Enqueue(ctx context.Context, task *Task) error {
	select {
	case b.ch <- task:
		return nil
	case <-b.closed:
		return fmt.Errorf("broker closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case task := <-b.ch:
		return task, nil
	case <-b.closed:
		return nil, fmt.Errorf("broker closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryBroker) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}
