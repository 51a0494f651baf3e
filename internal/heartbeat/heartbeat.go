// Package heartbeat advertises this instance's health in Redis so a load
// balancer or dashboard can discover live executors.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/opensandbox/runbox/pkg/types"
)

const (
	KeyPrefix = "runbox:instance:"
	Channel   = "runbox:heartbeat"

	ttl      = 30 * time.Second
	interval = 10 * time.Second
)

type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// Payload is the JSON stored under runbox:instance:<id>.
type Payload struct {
	InstanceID string       `json:"instanceId"`
	Addr       string       `json:"addr"`
	Health     types.Health `json:"health"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Heartbeat publishes the instance health every ten seconds. Each beat
// SETs the instance key with a 30s TTL, so it expires if the process
// dies, and PUBLISHes the same payload on the heartbeat channel.
type Heartbeat struct {
	rdb        redisClient
	instanceID string
	addr       string
	getHealth  func() types.Health
	log        zerolog.Logger
	stop       chan struct{}
	done       chan struct{}
}

// New connects to Redis and verifies the connection.
func New(redisURL, instanceID, addr string, log zerolog.Logger) (*Heartbeat, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newHeartbeat(rdb, instanceID, addr, log), nil
}

func newHeartbeat(rdb redisClient, instanceID, addr string, log zerolog.Logger) *Heartbeat {
	return &Heartbeat{
		rdb:        rdb,
		instanceID: instanceID,
		addr:       addr,
		log:        log.With().Str("component", "heartbeat").Logger(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Key returns the Redis key for an instance.
func Key(instanceID string) string { return KeyPrefix + instanceID }

// Start publishes immediately and then on every tick.
func (h *Heartbeat) Start(getHealth func() types.Health) {
	h.getHealth = getHealth
	go func() {
		defer close(h.done)
		h.publish()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.publish()
			case <-h.stop:
				return
			}
		}
	}()
}

func (h *Heartbeat) publish() {
	data, err := json.Marshal(Payload{
		InstanceID: h.instanceID,
		Addr:       h.addr,
		Health:     h.getHealth(),
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("marshal error")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.rdb.Set(ctx, Key(h.instanceID), data, ttl).Err(); err != nil {
		h.log.Warn().Err(err).Msg("SET failed")
	}
	if err := h.rdb.Publish(ctx, Channel, data).Err(); err != nil {
		h.log.Warn().Err(err).Msg("PUBLISH failed")
	}
}

// Stop ends the loop, deletes the instance key and closes the client.
func (h *Heartbeat) Stop() {
	close(h.stop)
	<-h.done

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.rdb.Del(ctx, Key(h.instanceID))
	h.rdb.Close()
	h.log.Info().Msg("heartbeat stopped")
}
