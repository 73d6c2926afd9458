// Package observer logs mutations of the mission collection.
package observer

import (
	"context"
	"log/slog"

	"github.com/noahxzhu/mission-notify/internal/metrics"
	"github.com/noahxzhu/mission-notify/internal/model"
)

// Feed delivers child_changed events for /missions until ctx is done.
type Feed interface {
	WatchMissions(ctx context.Context, fn func(model.MissionChange)) error
}

type Observer struct {
	feed    Feed
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(feed Feed, logger *slog.Logger, m *metrics.Metrics) *Observer {
	return &Observer{
		feed:    feed,
		logger:  logger.With("component", "mission_observer"),
		metrics: m,
	}
}

// Start subscribes and blocks for the lifetime of ctx.
func (o *Observer) Start(ctx context.Context) error {
	o.logger.Info("Mission observer started")
	return o.feed.WatchMissions(ctx, o.handle)
}

func (o *Observer) handle(ch model.MissionChange) {
	o.metrics.MissionChanges.Inc()
	o.logger.Info("Mission changed", "key", ch.Key, "at", ch.At)
}
