package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"corebank/internal/model"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db    *gorm.DB
	topic string
}

func NewOutboxRepository(db *gorm.DB, topic string) *OutboxRepository {
	return &OutboxRepository{db: db, topic: topic}
}

// EnqueuePosted 与流水同事务写入入账事件
func (r *OutboxRepository) EnqueuePosted(ctx context.Context, tx *gorm.DB, records ...*model.Transaction) error {
	if len(records) == 0 {
		return nil
	}

	messages := make([]*model.OutboxMessage, 0, len(records))
	for _, rec := range records {
		payload, err := json.Marshal(model.NewTransactionPostedEvent(rec))
		if err != nil {
			return fmt.Errorf("序列化入账事件失败: %w", err)
		}
		messages = append(messages, &model.OutboxMessage{
			MessageKey: rec.AccountNumber,
			Topic:      r.topic,
			Payload:    string(payload),
			Status:     model.OutboxStatusPending,
		})
	}
	return tx.WithContext(ctx).Create(&messages).Error
}

func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) MarkAsSent(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Update("status", model.OutboxStatusSent).Error
}

func (r *OutboxRepository) IncrementRetryCount(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      model.OutboxStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
		}).Error
}
