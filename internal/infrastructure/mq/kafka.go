package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"corebank/internal/config"

	"github.com/IBM/sarama"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrBrokerUnavailable 熔断器打开期间直接拒绝发送
var ErrBrokerUnavailable = errors.New("Kafka 暂不可用，熔断中")

// Publisher 消息发送接口，outbox 投递任务依赖它
type Publisher interface {
	Publish(ctx context.Context, topic, key, value string) error
}

// NewSyncProducer 创建 Kafka 同步生产者
func NewSyncProducer(cfg *config.KafkaConfig) (sarama.SyncProducer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1 // 幂等生产者要求
	kafkaConfig.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	return producer, nil
}

// Producer 带熔断的 Kafka 生产者
//
// 连续失败达到阈值后熔断，熔断期间 outbox 消息留在表里，下一轮再发。
type Producer struct {
	producer sarama.SyncProducer
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

func NewProducer(producer sarama.SyncProducer, logger *zap.Logger) *Producer {
	logger = logger.Named("kafka")
	settings := gobreaker.Settings{
		Name:        "kafka-producer",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("熔断器状态变化",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Producer{
		producer: producer,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		logger:   logger,
	}
}

// Publish 发送消息，key 相同的消息进入同一分区
func (p *Producer) Publish(ctx context.Context, topic, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, err := p.breaker.Execute(func() (interface{}, error) {
		partition, offset, err := p.producer.SendMessage(msg)
		if err != nil {
			return nil, err
		}
		p.logger.Debug("消息已发送",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Int32("partition", partition),
			zap.Int64("offset", offset))
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBrokerUnavailable
	}
	return err
}

func (p *Producer) State() gobreaker.State {
	return p.breaker.State()
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
