package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/openclaw/relay/internal/flowlog"
)

// pullBatchLimit caps how many pending messages one poll asks for, on top of
// the free-capacity bound.
const pullBatchLimit = 10

// pullLoop polls the backend for queued messages, for deployments where the
// backend cannot reach the relay to push. It only asks for what the queue
// has room for and stops with ctx.
func (s *Service) pullLoop(ctx context.Context) {
	log := s.log.With("component", "pull")
	log.Info("pull loop running", "interval", s.cfg.PullInterval.String())

	ticker := time.NewTicker(s.cfg.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.pullOnce(ctx, log)
	}
}

func (s *Service) pullOnce(ctx context.Context, log *slog.Logger) {
	if !s.gw.Ready() {
		log.Debug("skipping pull, gateway not ready")
		return
	}

	free := s.cfg.Push.MaxQueue - s.queue.State().Queued
	if free <= 0 {
		log.Debug("skipping pull, queue full")
		return
	}

	limit := free
	if limit > pullBatchLimit {
		limit = pullBatchLimit
	}

	msgs, err := s.backend.PullPending(ctx, limit)
	if err != nil {
		log.Warn("cannot pull pending messages", "err", err)
		return
	}

	for i := range msgs {
		msg := &msgs[i]

		// A pulled message skipped push validation; a broken one is a
		// backend bug, logged and dropped rather than run.
		if fieldErrs := msg.Validate(); len(fieldErrs) > 0 {
			log.Warn("dropping invalid pulled message",
				"messageId", msg.MessageID,
				"problems", fieldErrs)
			s.flow.Record(flowlog.StageDropped, map[string]interface{}{
				"messageId": msg.MessageID,
				"reason":    "validation",
			})
			continue
		}

		s.flow.Record(flowlog.StageReceived, map[string]interface{}{
			"messageId": msg.MessageID,
			"kind":      msg.Input.Kind,
			"source":    "pull",
		})

		if err := s.queue.Enqueue(msg); err != nil {
			log.Warn("cannot enqueue pulled message",
				"messageId", msg.MessageID,
				"err", err)
			s.flow.Record(flowlog.StageDropped, map[string]interface{}{
				"messageId": msg.MessageID,
				"reason":    "enqueue",
				"error":     err.Error(),
			})
			// Full or closing either way; the rest waits for the next tick.
			return
		}

		s.flow.Record(flowlog.StageEnqueued, map[string]interface{}{
			"messageId": msg.MessageID,
		})
	}
}
