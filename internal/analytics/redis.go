// Package analytics counts delivered control commands in Redis.
//
// Counters are day-bucketed per project and action, so a dashboard can chart
// how often each agent was started or stopped without querying transition
// history. Recording is best-effort: failures log and never affect dispatch.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nogataka/autocoder/internal/dispatcher"
	"github.com/nogataka/autocoder/internal/domain"
)

// DefaultRetention keeps day buckets for 90 days.
const DefaultRetention = 90 * 24 * time.Hour

type RedisSink struct {
	client    *redis.Client
	retention time.Duration
	log       zerolog.Logger
}

var _ dispatcher.AnalyticsSink = (*RedisSink)(nil)

func NewRedisSink(client *redis.Client, retention time.Duration, log zerolog.Logger) *RedisSink {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisSink{
		client:    client,
		retention: retention,
		log:       log.With().Str("component", "analytics").Logger(),
	}
}

// Record increments the day-bucket counter for the command's project and
// action. The expiry is refreshed on every increment so live buckets roll
// forward with the retention window.
func (s *RedisSink) Record(ctx context.Context, event domain.ControlEvent) {
	key := buildKey(event.ProjectName, event.Action, event.BoundaryAt)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("failed to record command")
	}
}

func buildKey(project string, action domain.TransitionAction, t time.Time) string {
	return fmt.Sprintf("autocoder:commands:%s:%s:%s", project, action, dayBucket(t))
}

func dayBucket(t time.Time) string {
	return t.UTC().Format("20060102")
}
