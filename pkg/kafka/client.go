// Package kafka 提供了与 Kafka 消息队列交互的功能：发布领域事件，并消费 file.uploaded 驱动处理流水线。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/romdj/tempsdarret.studio-sub002/internal/config"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/events"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/log"
	"github.com/segmentio/kafka-go"
)

// maxAttempts 是单个事件的最大处理次数，超过后提交 offset 放弃重试。
const maxAttempts = 3

// FileProcessor 定义了消费 file.uploaded 事件的处理器。
// 这让 Kafka 消费者与具体的流水线实现解耦。
type FileProcessor interface {
	Process(ctx context.Context, event events.FileUploadedPayload) error
}

// Emitter 是 events.Emitter 的 Kafka 实现，消息 key 为事件名称。
type Emitter struct {
	writer *kafka.Writer
}

// NewEmitter 初始化 Kafka 生产者。写入是异步的，发送结果在回调中记录。
func NewEmitter(cfg config.KafkaConfig) *Emitter {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.BrokerList()...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Errorw("[Kafka] 事件发送失败", "count", len(messages), "error", err)
			}
		},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Emitter{writer: w}
}

// Emit 把事件封装成 Envelope 写入 Kafka。
func (e *Emitter) Emit(ctx context.Context, name string, payload any) {
	value, err := json.Marshal(events.Envelope{Name: name, OccurredAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		log.Errorw("[Kafka] 事件序列化失败", "name", name, "error", err)
		return
	}
	// 异步模式下 WriteMessages 只入队，ctx 取消不影响已入队的消息
	if err := e.writer.WriteMessages(context.WithoutCancel(ctx), kafka.Message{Key: []byte(name), Value: value}); err != nil {
		log.Errorw("[Kafka] 事件入队失败", "name", name, "error", err)
	}
}

// Close 刷新并关闭生产者。
func (e *Emitter) Close() error {
	return e.writer.Close()
}

// rawEnvelope 用于解码时延迟解析 payload。
type rawEnvelope struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// StartConsumer 启动一个 Kafka 消费者处理 file.uploaded 事件，阻塞直到 ctx 取消。
// 每条消息在 handleMessage 内重试，处理结束（成功或放弃）后才提交 offset。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor FileProcessor, rdb *redis.Client) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.BrokerList(),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)
	consume(ctx, r, processor, rdb)
}

// messageReader 是 consume 需要的 kafka.Reader 子集。
type messageReader interface {
	committer
	FetchMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r messageReader, processor FileProcessor, rdb *redis.Client) {
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				log.Info("Kafka 消费者已停止")
				return
			}
			// broker 抖动时退避后继续拉取
			log.Error("[Kafka] 从 Kafka 读取消息失败，稍后重试", err)
			if !sleepCtx(ctx, fetchBackoff) {
				log.Info("Kafka 消费者已停止")
				return
			}
			continue
		}
		handleMessage(ctx, r, m, processor, rdb)
	}
}

var (
	retryBackoff = 500 * time.Millisecond
	fetchBackoff = 2 * time.Second
)

// sleepCtx 等待 d，ctx 先取消时返回 false。
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// committer 抽象了 offset 提交，便于测试。
type committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// handleMessage 处理一条消息。处理失败时在本地退避重试，总次数不超过 maxAttempts。
// Redis 里的计数跨越进程重启：未提交的消息在重启后重新投递时，之前的失败次数仍然算数。
func handleMessage(ctx context.Context, r committer, m kafka.Message, processor FileProcessor, rdb *redis.Client) {
	commit := func() {
		if err := r.CommitMessages(ctx, m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}

	var env rawEnvelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		commit()
		return
	}
	if env.Name != events.FileUploaded {
		commit()
		return
	}
	var event events.FileUploadedPayload
	if err := json.Unmarshal(env.Payload, &event); err != nil || event.FileID == "" {
		log.Errorf("无法解析 file.uploaded 事件: %v, value: %s", err, string(env.Payload))
		commit()
		return
	}

	attemptsKey := fmt.Sprintf("kafka:attempts:%s", event.FileID)
	attempts, err := rdb.Get(ctx, attemptsKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Warnf("[Kafka] 读取重试计数失败: fileId=%s, error: %v", event.FileID, err)
		attempts = 0
	}

	for attempts < maxAttempts {
		log.Infof("开始处理文件: fileId=%s, offset=%d, attempt=%d", event.FileID, m.Offset, attempts+1)
		err := processor.Process(ctx, event)
		if err == nil {
			log.Infof("文件处理成功: fileId=%s", event.FileID)
			_ = rdb.Del(ctx, attemptsKey).Err()
			commit()
			return
		}
		attempts++
		log.Errorf("处理文件失败: fileId=%s, attempt=%d, Error: %v", event.FileID, attempts, err)
		if err := rdb.Set(ctx, attemptsKey, attempts, 24*time.Hour).Err(); err != nil {
			log.Warnf("[Kafka] 写入重试计数失败: fileId=%s, error: %v", event.FileID, err)
		}
		if attempts >= maxAttempts {
			break
		}
		if !sleepCtx(ctx, retryBackoff*time.Duration(attempts)) {
			// 停机中：不提交，重启后重新投递
			return
		}
	}

	log.Errorf("文件处理多次失败(>=%d)，提交 offset 终止重试: fileId=%s", maxAttempts, event.FileID)
	_ = rdb.Del(ctx, attemptsKey).Err()
	commit()
}
