package repository

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// MemberRepository tracks which users take part in which ticket.
type MemberRepository interface {
	Add(ctx context.Context, ticketID, userID string) error
	Remove(ctx context.Context, ticketID, userID string) error
	Members(ctx context.Context, ticketID string) ([]string, error)
	TicketsOf(ctx context.Context, userID string) ([]string, error)
	Drop(ctx context.Context, ticketID string) error
}

type redisMemberRepository struct {
	client *redis.Client
}

// NewRedisMemberRepository keeps a member set per ticket and a ticket set
// per user.
func NewRedisMemberRepository(client *redis.Client) MemberRepository {
	return &redisMemberRepository{client: client}
}

func membersKey(ticketID string) string { return "ticket:members:" + ticketID }

func userTicketsKey(userID string) string { return "user:tickets:" + userID }

func (r *redisMemberRepository) Add(ctx context.Context, ticketID, userID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, membersKey(ticketID), userID)
		pipe.SAdd(ctx, userTicketsKey(userID), ticketID)
		return nil
	})
	return err
}

func (r *redisMemberRepository) Remove(ctx context.Context, ticketID, userID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, membersKey(ticketID), userID)
		pipe.SRem(ctx, userTicketsKey(userID), ticketID)
		return nil
	})
	return err
}

func (r *redisMemberRepository) Members(ctx context.Context, ticketID string) ([]string, error) {
	return r.client.SMembers(ctx, membersKey(ticketID)).Result()
}

func (r *redisMemberRepository) TicketsOf(ctx context.Context, userID string) ([]string, error) {
	return r.client.SMembers(ctx, userTicketsKey(userID)).Result()
}

func (r *redisMemberRepository) Drop(ctx context.Context, ticketID string) error {
	members, err := r.Members(ctx, ticketID)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, userID := range members {
			pipe.SRem(ctx, userTicketsKey(userID), ticketID)
		}
		pipe.Del(ctx, membersKey(ticketID))
		return nil
	})
	return err
}
