package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/ticketbot/internal/domain"
)

// MessageLog records the messages relayed through a ticket resource. The
// chat platform offers no history API, so the relay keeps its own.
type MessageLog interface {
	Append(ctx context.Context, ticketID string, msg domain.Message) error
	List(ctx context.Context, ticketID string, limit int, order domain.HistoryOrder) ([]domain.Message, error)
	Delete(ctx context.Context, ticketID string) error
}

type redisMessageLog struct {
	client *redis.Client
}

// NewRedisMessageLog keeps one Redis list per ticket, oldest entry first.
func NewRedisMessageLog(client *redis.Client) MessageLog {
	return &redisMessageLog{client: client}
}

func messagesKey(ticketID string) string {
	return "ticket:msgs:" + ticketID
}

func (l *redisMessageLog) Append(ctx context.Context, ticketID string, msg domain.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return l.client.RPush(ctx, messagesKey(ticketID), raw).Err()
}

// List returns up to limit messages; a non-positive limit returns all of
// them. NewestFirst selects the tail of the log.
func (l *redisMessageLog) List(ctx context.Context, ticketID string, limit int, order domain.HistoryOrder) ([]domain.Message, error) {
	start, stop := listWindow(limit, order)
	values, err := l.client.LRange(ctx, messagesKey(ticketID), start, stop).Result()
	if err != nil {
		return nil, err
	}
	return decodeMessages(ticketID, values, order)
}

// listWindow returns the LRANGE bounds for the first or last limit entries.
func listWindow(limit int, order domain.HistoryOrder) (start, stop int64) {
	start, stop = 0, -1
	if limit > 0 {
		if order == domain.NewestFirst {
			start = -int64(limit)
		} else {
			stop = int64(limit) - 1
		}
	}
	return start, stop
}

// decodeMessages decodes an oldest-first slice of the log into order.
func decodeMessages(ticketID string, values []string, order domain.HistoryOrder) ([]domain.Message, error) {
	result := make([]domain.Message, 0, len(values))
	for _, raw := range values {
		var msg domain.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode message for ticket %s: %w", ticketID, err)
		}
		result = append(result, msg)
	}
	if order == domain.NewestFirst {
		for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
			result[i], result[j] = result[j], result[i]
		}
	}
	return result, nil
}

func (l *redisMessageLog) Delete(ctx context.Context, ticketID string) error {
	return l.client.Del(ctx, messagesKey(ticketID)).Err()
}
