package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SinkFunc delivers the latest snapshot somewhere. It reports whether
// anything was sent.
type SinkFunc func() (bool, error)

// runSink polls fn every interval until ctx is done. Errors and panics stay
// inside the sink; the pipeline never sees them.
func (s *Service) runSink(ctx context.Context, wg *sync.WaitGroup, name string, interval time.Duration, fn SinkFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		failing := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			sent, err := callSink(fn)
			if err != nil {
				s.metrics.SinkErrors.WithLabelValues(name).Inc()
				if !failing {
					slog.Warn("presentation sink failing",
						"sink", name,
						"error", err,
						"action", "retrying every interval",
					)
					failing = true
				}
				continue
			}
			if failing {
				slog.Info("presentation sink recovered", "sink", name)
				failing = false
			}
			if sent {
				s.metrics.SinkPublishes.WithLabelValues(name).Inc()
			}
		}
	}()
}

func callSink(fn SinkFunc) (sent bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return fn()
}
