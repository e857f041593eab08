package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/IBM/sarama"
)

// 发送并发上限
var maxInflightSends = 100

// SendLimiter 限制同时在途的 SendMessage 数量
type SendLimiter struct {
	ch chan struct{}
}

func NewSendLimiter() *SendLimiter {
	return &SendLimiter{ch: make(chan struct{}, maxInflightSends)}
}

func (s *SendLimiter) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.New("acquire reached time limit")
	}
}

func (s *SendLimiter) Release() {
	select {
	case <-s.ch:
	default:
	}
}

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - Enqueue 不阻塞提交链路，Kafka 短暂抖动靠队列吸收
// - 队列满时允许降级丢弃（操作事件流不要求每条必达）
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue   chan OpEvent
	limiter *SendLimiter

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

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, limiter *SendLimiter, opt KafkaDispatcherOptions) *KafkaDispatcher {
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan OpEvent, opt.QueueSize),
		limiter:     limiter,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.Start()
	return d
}

// Enqueue 把事件放入本地队列；队列满时等到 ctx 超时为止
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt OpEvent) error {
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt OpEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.limiter != nil {
			// worker 可以一直等，不在主链路上
			_ = d.limiter.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.limiter != nil {
			d.limiter.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			log.Printf("kafka send failed, drop event session=%s op=%s ver=%d worker=%d err=%v",
				evt.SessionID, evt.OperationID, evt.Version, workerID, err)
			return
		}

		// 指数退避，封顶 maxBackoff
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt OpEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.SessionID), // 按会话分区，同会话事件保持有序
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
