package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/aretw0/lifecycle/pkg/core/worker"
)

// pollWorker runs the self-rescheduling poll loop of a Server. The timer is
// only reset after a cycle has finished, so cycles never overlap.
type pollWorker struct {
	*worker.BaseWorker
	server *Server
	cancel context.CancelFunc
}

func newPollWorker(s *Server) *pollWorker {
	return &pollWorker{
		BaseWorker: worker.NewBaseWorker("consistency-watchdog"),
		server:     s,
	}
}

func (w *pollWorker) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := w.State().Status
	if status != worker.StatusCreated && status != worker.StatusPending {
		return fmt.Errorf("watchdog already started (status: %s)", status)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.SetStatus(worker.StatusRunning)
	return w.StartFunc(runCtx, w.run)
}

func (w *pollWorker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.StopRequested = true
		w.cancel()
	}
	return w.BaseWorker.Stop(ctx)
}

func (w *pollWorker) State() worker.State {
	return w.ExportState(func(s *worker.State) {
		s.Metadata = map[string]string{
			worker.MetadataType: string(worker.TypeGoroutine),
		}
	})
}

func (w *pollWorker) run(ctx context.Context) (err error) {
	logger := w.server.logger
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("watchdog panic: %v", recovered)
			if logger.Enabled(ctx, slog.LevelDebug) {
				logger.Error("watchdog panic", "error", err, "stack", string(debug.Stack()))
			} else {
				logger.Error("watchdog panic", "error", err)
			}
		}
	}()

	timer := time.NewTimer(w.server.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		res := w.server.Poll(ctx)
		if res.Stop {
			logger.Debug("no active session, watchdog idle")
			return nil
		}
		timer.Reset(res.Delay)
	}
}
