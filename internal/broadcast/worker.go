package broadcast

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"tutordash/internal/eventbus"
	"tutordash/internal/metrics"
	"tutordash/internal/push"
	logx "tutordash/pkg/logx"
)

// deliver pushes to one connection, retrying transient failures up to
// cfg.RetryMax times. A gone connection is unregistered before returning.
func (s *Service) deliver(ctx context.Context, cfg Config, lim *rate.Limiter, tutor, connectionID string, payload []byte) ConnectionResult {
	res := ConnectionResult{ConnectionID: connectionID, Outcome: push.OutcomeError}
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				res.Error = err.Error()
				return res
			}
		}
		res.Attempts++
		err := s.post(ctx, cfg.PushTimeout, connectionID, payload)
		res.Outcome = push.Classify(err)
		switch res.Outcome {
		case push.OutcomeOK:
			res.Error = ""
			return res
		case push.OutcomeGone:
			res.Error = err.Error()
			s.prune(ctx, tutor, connectionID)
			return res
		}
		res.Error = err.Error()
		if attempt == cfg.RetryMax || !push.Retryable(err) {
			break
		}
		s.log.Debug("push retry scheduled",
			logx.String("tutor", tutor),
			logx.String("connection_id", connectionID),
			logx.Int("attempt", attempt+2),
			logx.Duration("delay", cfg.RetryDelay),
			logx.Err(err),
		)
		tmr := time.NewTimer(cfg.RetryDelay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return res
		case <-tmr.C:
		}
	}
	s.log.Warn("push failed", logx.String("tutor", tutor), logx.String("connection_id", connectionID), logx.Int("attempts", res.Attempts), logx.String("err", res.Error))
	return res
}

// post runs one Post under the push timeout. Panics become transient errors.
func (s *Service) post(ctx context.Context, timeout time.Duration, connectionID string, payload []byte) (err error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in push", logx.String("connection_id", connectionID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("push panic: %v", r)
		}
	}()
	start := time.Now()
	err = s.pusher.Post(pctx, connectionID, payload)
	metrics.PushDuration.Observe(time.Since(start).Seconds())
	return err
}

func (s *Service) prune(ctx context.Context, tutor, connectionID string) {
	metrics.ConnectionEvents.WithLabelValues("gone").Inc()
	if _, err := s.reg.Unregister(context.WithoutCancel(ctx), connectionID); err != nil {
		s.log.Warn("gone connection cleanup failed", logx.String("tutor", tutor), logx.String("connection_id", connectionID), logx.Err(err))
	} else {
		s.log.Info("gone connection removed", logx.String("tutor", tutor), logx.String("connection_id", connectionID))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeConnectionGone, Data: connectionID})
	}
}
