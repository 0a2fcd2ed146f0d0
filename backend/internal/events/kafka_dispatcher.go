package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/apex/log"

	"docsync/backend/internal/sem"
)

var ErrDispatcherClosed = errors.New("kafka dispatcher closed")

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - Publish 只负责入队，不阻塞版本/快照写入
// - Kafka 短暂不可用时靠队列吸收，后台慢慢补发
// - 队列满时等到 ctx 超时后放弃
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	logger   log.Interface

	mu     sync.RWMutex
	closed bool
	queue  chan DocEvent
	wg     sync.WaitGroup

	// 限制并发的 SendMessage 数量
	sendSem *sem.Semaphore

	sent    atomic.Int64
	dropped atomic.Int64

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultKafkaDispatcherOptions() KafkaDispatcherOptions {
	return KafkaDispatcherOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	}
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sendSem *sem.Semaphore, opt KafkaDispatcherOptions, logger log.Interface) *KafkaDispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if logger == nil {
		logger = log.WithField("module", "events")
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		logger:      logger,
		queue:       make(chan DocEvent, opt.QueueSize),
		sendSem:     sendSem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Publish 把事件放入本地队列，队列满时等待直到 ctx 结束
func (d *KafkaDispatcher) Publish(ctx context.Context, evt DocEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止接收新事件，等队列里已有的事件发完
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Stats 已发送和重试耗尽后丢弃的事件数
func (d *KafkaDispatcher) Stats() (sent, dropped int64) {
	return d.sent.Load(), d.dropped.Load()
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt DocEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sendSem != nil {
			// worker 可以一直等，不影响主链路
			_ = d.sendSem.Acquire(context.Background())
		}
		err := d.sendOnce(evt)
		if d.sendSem != nil {
			_ = d.sendSem.Release()
		}
		if err == nil {
			d.sent.Add(1)
			return
		}

		if attempt == d.maxRetry {
			d.dropped.Add(1)
			d.logger.WithFields(log.Fields{
				"document": evt.DocID,
				"event":    evt.EventType,
				"worker":   workerID,
			}).WithError(err).Error("kafka send failed, drop event")
			return
		}

		// 指数退避
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt DocEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	// 以文档为 key，同一文档的事件落在同一分区，消费端按顺序审计
	msg := &sarama.ProducerMessage{
		Topic:     d.topic,
		Key:       sarama.StringEncoder(evt.DocID),
		Value:     sarama.ByteEncoder(b),
		Timestamp: evt.OccurredAt,
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(evt.EventType)},
		},
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

// NewSyncProducer 按服务的约定创建同步 producer
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, cfg)
}
