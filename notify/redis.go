package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hrz6976/fetchmate/db"
	"github.com/redis/go-redis/v9"
)

// RedisSink publishes tick state and completion events on a redis channel.
// The latest state is also kept under the "<channel>:state" key.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// Event is the message sent on the channel.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Jobs []View    `json:"jobs,omitempty"`
	Job  *View     `json:"job,omitempty"`
}

const (
	EventTick      = "tick"
	EventCompleted = "completed"
)

func NewRedisSink(redisURL, channel string) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisSink{client: redis.NewClient(opts), channel: channel}, nil
}

func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

func (s *RedisSink) StateKey() string { return s.channel + ":state" }

func (s *RedisSink) Publish(ctx context.Context, jobs []JobProgress) error {
	data, err := json.Marshal(Event{Type: EventTick, At: time.Now(), Jobs: Views(jobs)})
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.StateKey(), data, 0)
	pipe.Publish(ctx, s.channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// JobCompleted publishes a completion event.
func (s *RedisSink) JobCompleted(ctx context.Context, job *db.Job) error {
	v := JobProgress{Job: job, Percent: 100}.View()
	data, err := json.Marshal(Event{Type: EventCompleted, At: time.Now(), Job: &v})
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, data).Err()
}
