package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/opensandbox/runbox/pkg/types"
)

// jobEvent mirrors events.Message; db does not import events to keep the
// dependency one-way.
type jobEvent struct {
	Type       string          `json:"type"`
	JobID      string          `json:"jobId"`
	InstanceID string          `json:"instanceId"`
	Snapshot   json.RawMessage `json:"snapshot"`
	Timestamp  time.Time       `json:"timestamp"`
}

// SyncConsumer reads job events from NATS JetStream and writes them to
// job_history, so any instance can answer for jobs run elsewhere.
type SyncConsumer struct {
	store *Store
	nc    *nats.Conn
	js    nats.JetStreamContext
	sub   *nats.Subscription
	log   zerolog.Logger
	wg    sync.WaitGroup
}

// NewSyncConsumer creates a new NATS-to-PG sync consumer.
func NewSyncConsumer(store *Store, natsURL string, log zerolog.Logger) (*SyncConsumer, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	_, _ = js.AddStream(&nats.StreamConfig{
		Name:     "RUNBOX_JOBS",
		Subjects: []string{"runbox.jobs.>"},
		MaxAge:   7 * 24 * time.Hour,
	})

	return &SyncConsumer{
		store: store,
		nc:    nc,
		js:    js,
		log:   log.With().Str("component", "sync_consumer").Logger(),
	}, nil
}

// Start subscribes with a durable consumer.
func (c *SyncConsumer) Start() error {
	sub, err := c.js.Subscribe("runbox.jobs.>", c.handleMessage,
		nats.Durable("pg-job-history"),
		nats.AckExplicit(),
		nats.MaxAckPending(256),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.sub = sub
	c.log.Info().Msg("subscribed to runbox.jobs.>")
	return nil
}

// Stop unsubscribes and closes the connection.
func (c *SyncConsumer) Stop() {
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	c.wg.Wait()
	c.nc.Close()
}

func (c *SyncConsumer) handleMessage(msg *nats.Msg) {
	c.wg.Add(1)
	defer c.wg.Done()

	instanceID, snap, err := decodeJobEvent(msg.Data)
	if err != nil {
		// poison message, drop it
		c.log.Warn().Err(err).Str("subject", msg.Subject).Msg("bad job event")
		msg.Ack()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.UpsertJob(ctx, instanceID, snap); err != nil {
		c.log.Warn().Err(err).Str("job_id", snap.ID).Msg("failed to store job event")
		msg.Nak()
		return
	}
	msg.Ack()
}

func decodeJobEvent(data []byte) (string, *types.JobSnapshot, error) {
	var ev jobEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if !strings.HasPrefix(ev.Type, "job.") {
		return "", nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
	var snap types.JobSnapshot
	if err := json.Unmarshal(ev.Snapshot, &snap); err != nil {
		return "", nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.ID == "" || snap.ID != ev.JobID {
		return "", nil, fmt.Errorf("event job id %q does not match snapshot %q", ev.JobID, snap.ID)
	}
	return ev.InstanceID, &snap, nil
}
