package job

import (
	"context"
	"time"

	"corebank/internal/infrastructure/mq"
	"corebank/internal/model"
	"corebank/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutboxSender 把 outbox 表中待发送的入账事件投递到 Kafka
//
// 至少一次投递：发送成功但标记失败时，下一轮会重复发送，消费方按流水号去重。
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	logger     *zap.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	maxRetry   int
}

func NewOutboxSender(db *gorm.DB, publisher mq.Publisher, maxRetry int, logger *zap.Logger) *OutboxSender {
	return &OutboxSender{
		// topic 已写在每条消息里，这里不需要
		outboxRepo: repository.NewOutboxRepository(db, ""),
		publisher:  publisher,
		logger:     logger.Named("outbox"),
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
		maxRetry:   maxRetry,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info("消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.logger.Info("任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("查询待发送消息失败", zap.Error(err))
		return
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.publisher.Publish(ctx, msg.Topic, msg.MessageKey, msg.Payload)

	if err == nil {
		if updateErr := s.outboxRepo.MarkAsSent(ctx, msg.ID); updateErr != nil {
			s.logger.Error("更新消息状态失败", zap.Int64("id", msg.ID), zap.Error(updateErr))
		} else {
			s.logger.Debug("消息发送成功",
				zap.Int64("id", msg.ID),
				zap.String("topic", msg.Topic),
				zap.String("key", msg.MessageKey))
		}
		return
	}

	s.logger.Warn("消息发送失败", zap.Int64("id", msg.ID), zap.Int("retry_count", msg.RetryCount), zap.Error(err))

	if msg.RetryCount+1 >= s.maxRetry {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			s.logger.Error("标记消息失败状态失败", zap.Int64("id", msg.ID), zap.Error(err))
		} else {
			s.logger.Error("消息超过最大重试次数，标记为失败", zap.Int64("id", msg.ID))
		}
		return
	}

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		s.logger.Error("增加重试次数失败", zap.Int64("id", msg.ID), zap.Error(err))
	}
}
