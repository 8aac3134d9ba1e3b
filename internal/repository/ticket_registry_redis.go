package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/ticketbot/internal/domain"
	apperrors "github.com/spec-kit/ticketbot/pkg/errorutil"
)

// OpenTicketsKey is the Redis hash holding the registry, field per ticket id.
const OpenTicketsKey = "tickets:open"

type redisTicketRegistry struct {
	client *redis.Client
	key    string
}

// NewRedisTicketRegistry stores the registry as JSON values in a Redis hash.
func NewRedisTicketRegistry(client *redis.Client) TicketRegistry {
	return &redisTicketRegistry{client: client, key: OpenTicketsKey}
}

func (r *redisTicketRegistry) LoadAll(ctx context.Context) ([]domain.TicketRecord, error) {
	values, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	return decodeRecords(r.key, values)
}

// decodeRecords turns the registry hash into records ordered by creation
// time. Any undecodable value marks the whole registry corrupt.
func decodeRecords(key string, values map[string]string) ([]domain.TicketRecord, error) {
	result := make([]domain.TicketRecord, 0, len(values))
	for field, raw := range values {
		var record domain.TicketRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, apperrors.NewPersistenceCorrupt(fmt.Errorf("decode %s[%s]: %w", key, field, err))
		}
		if record.ID == "" {
			record.ID = field
		}
		result = append(result, record)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *redisTicketRegistry) Put(ctx context.Context, record domain.TicketRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.key, record.ID, raw).Err()
}

func (r *redisTicketRegistry) Delete(ctx context.Context, id string) error {
	return r.client.HDel(ctx, r.key, id).Err()
}

func (r *redisTicketRegistry) Reset(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}
