// Package events publishes job state changes from the local job log to
// NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/opensandbox/runbox/internal/joblog"
	"github.com/opensandbox/runbox/internal/metrics"
)

const (
	StreamName    = "RUNBOX_JOBS"
	SubjectPrefix = "runbox.jobs"

	batchSize    = 100
	syncInterval = 2 * time.Second
)

// Outbox is the source of unpublished events.
type Outbox interface {
	GetUnsyncedEvents(ctx context.Context, limit int) ([]joblog.Event, error)
	MarkEventsSynced(ctx context.Context, ids []int64) error
}

type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Message is the JSON payload published to NATS.
type Message struct {
	Type       string          `json:"type"`
	JobID      string          `json:"jobId"`
	InstanceID string          `json:"instanceId"`
	Snapshot   json.RawMessage `json:"snapshot"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Publisher drains the outbox into JetStream every two seconds.
type Publisher struct {
	nc         *nats.Conn
	js         jetStream
	outbox     Outbox
	instanceID string
	log        zerolog.Logger

	lastSync time.Time
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher connects to NATS and makes sure the job stream exists.
func NewPublisher(natsURL, instanceID string, outbox Outbox, log zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("runbox-"+instanceID),
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

	p := newPublisher(js, instanceID, outbox, log)
	p.nc = nc

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectPrefix + ".>"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		// stream may already exist
		p.log.Debug().Err(err).Msg("stream setup")
	}
	return p, nil
}

func newPublisher(js jetStream, instanceID string, outbox Outbox, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:         js,
		outbox:     outbox,
		instanceID: instanceID,
		log:        log.With().Str("component", "events").Logger(),
		lastSync:   time.Now(),
		stop:       make(chan struct{}),
	}
}

// Subject returns the subject an event type is published on, e.g.
// runbox.jobs.<instance>.completed for "job.completed".
func Subject(instanceID, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, instanceID, strings.TrimPrefix(eventType, "job."))
}

// Start begins the sync loop.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(syncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.sync(context.Background())
			case <-p.stop:
				p.sync(context.Background())
				return
			}
		}
	}()
}

// Stop flushes pending events and closes the NATS connection.
func (p *Publisher) Stop() {
	close(p.stop)
	p.wg.Wait()
	if p.nc != nil {
		p.nc.Close()
	}
}

// sync publishes one batch and returns how many events went out.
func (p *Publisher) sync(ctx context.Context) int {
	events, err := p.outbox.GetUnsyncedEvents(ctx, batchSize)
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to read outbox")
		return 0
	}
	if len(events) == 0 {
		p.lastSync = time.Now()
		metrics.EventSyncLag.Set(0)
		return 0
	}

	var synced []int64
	for _, ev := range events {
		data, _ := json.Marshal(Message{
			Type:       ev.Type,
			JobID:      ev.JobID,
			InstanceID: p.instanceID,
			Snapshot:   json.RawMessage(ev.Payload),
			Timestamp:  ev.CreatedAt,
		})
		if _, err := p.js.Publish(Subject(p.instanceID, ev.Type), data); err != nil {
			// keep order: later events wait for this one
			p.log.Warn().Err(err).Str("job_id", ev.JobID).Msg("publish failed")
			break
		}
		synced = append(synced, ev.ID)
	}

	if err := p.outbox.MarkEventsSynced(ctx, synced); err != nil {
		p.log.Warn().Err(err).Msg("failed to mark events synced")
	}
	if len(synced) == len(events) {
		p.lastSync = time.Now()
	}
	metrics.EventSyncLag.Set(time.Since(p.lastSync).Seconds())

	if len(synced) > 0 {
		p.log.Debug().Int("count", len(synced)).Msg("synced events to NATS")
	}
	return len(synced)
}
