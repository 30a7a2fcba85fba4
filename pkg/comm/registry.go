package comm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// member is one rank's registration in the rendezvous service.
type member struct {
	Rank int    `json:"rank"`
	Addr string `json:"addr"`
	// ID identifies the process incarnation that registered the rank.
	ID string `json:"id"`
}

// registry is a group-scoped client of the rendezvous service.
type registry struct {
	rdb   *redis.Client
	group string
}

func newRegistry(addr, group string) *registry {
	return &registry{
		rdb:   redis.NewClient(&redis.Options{Addr: addr}),
		group: group,
	}
}

func (r *registry) Close() error {
	return r.rdb.Close()
}

// connect waits for the rendezvous service to answer. The rank hosting the
// service may start after the others, so connection failures are retried
// until ctx is cancelled.
func (r *registry) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	ping := func() error {
		return r.rdb.Ping(ctx).Err()
	}
	notify := func(err error, next time.Duration) {
		log.Printf("[DEBUG] Rendezvous service %s not reachable (%v), retrying in %s", r.rdb.Options().Addr, err, next)
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("failed to reach rendezvous service: %w", err)
	}
	return nil
}

// register records m under its rank and announces the join.
// Registering a rank already held by another incarnation is a configuration error.
func (r *registry) register(ctx context.Context, m member) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal member: %w", err)
	}

	key := MembersKey(r.group)
	field := strconv.Itoa(m.Rank)
	set, err := r.rdb.HSetNX(ctx, key, field, data).Result()
	if err != nil {
		return fmt.Errorf("failed to register rank %d: %w", m.Rank, err)
	}
	if !set {
		existing, err := r.rdb.HGet(ctx, key, field).Result()
		if err != nil {
			return fmt.Errorf("failed to read registration of rank %d: %w", m.Rank, err)
		}
		var other member
		if err := json.Unmarshal([]byte(existing), &other); err != nil || other.ID != m.ID {
			return fmt.Errorf("%w: rank %d already registered in group %q", ErrConfig, m.Rank, r.group)
		}
	}

	if err := r.rdb.Publish(ctx, JoinEventsChannel(r.group), field).Err(); err != nil {
		return fmt.Errorf("failed to publish join of rank %d: %w", m.Rank, err)
	}
	return nil
}

// unregister removes the registration of rank if it still belongs to the
// incarnation id. A registration taken over by another process is left alone.
func (r *registry) unregister(ctx context.Context, rank int, id string) error {
	key := MembersKey(r.group)
	field := strconv.Itoa(rank)

	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := tx.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var m member
		if err := json.Unmarshal([]byte(existing), &m); err != nil || m.ID != id {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, field)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("failed to unregister rank %d: %w", rank, err)
	}
	return nil
}

// awaitMembers blocks until size ranks are registered and returns them indexed
// by rank. There is no timeout; only ctx ends the wait.
func (r *registry) awaitMembers(ctx context.Context, size int) ([]member, error) {
	pubsub := r.rdb.Subscribe(ctx, JoinEventsChannel(r.group))
	defer pubsub.Close()

	// Confirm the subscription before counting so no join is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to join events: %w", err)
	}
	joins := pubsub.Channel()

	key := MembersKey(r.group)
	for {
		n, err := r.rdb.HLen(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to count members: %w", err)
		}
		if int(n) >= size {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %d of %d members: %w", size-int(n), size, ctx.Err())
		case _, ok := <-joins:
			if !ok {
				return nil, fmt.Errorf("join event subscription closed")
			}
		}
	}

	return r.members(ctx, size)
}

func (r *registry) members(ctx context.Context, size int) ([]member, error) {
	raw, err := r.rdb.HGetAll(ctx, MembersKey(r.group)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read members: %w", err)
	}

	members := make([]member, size)
	seen := make([]bool, size)
	for field, value := range raw {
		var m member
		if err := json.Unmarshal([]byte(value), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal member %s: %w", field, err)
		}
		if m.Rank < 0 || m.Rank >= size || strconv.Itoa(m.Rank) != field {
			return nil, fmt.Errorf("%w: group %q has member with rank %s outside size %d", ErrConfig, r.group, field, size)
		}
		members[m.Rank] = m
		seen[m.Rank] = true
	}
	for rank, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("%w: group %q is missing rank %d", ErrConfig, r.group, rank)
		}
	}
	return members, nil
}

// clear removes the group's membership so the group name can be reused.
func (r *registry) clear(ctx context.Context) error {
	if err := r.rdb.Del(ctx, MembersKey(r.group)).Err(); err != nil {
		return fmt.Errorf("failed to clear members of group %q: %w", r.group, err)
	}
	return nil
}
