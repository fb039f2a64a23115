// Package recovery restores a participant's copy of a document after the
// consistency watchdog found it diverged.
package recovery

import (
	"context"
	"log/slog"

	"github.com/aretw0/cosync/pkg/core"
)

// Applier performs the workspace half of a recovery.
type Applier interface {
	CreateFile(ctx context.Context, a core.FileActivity) error
	RemoveFile(ctx context.Context, a core.FileActivity) error
}

// Coordinator applies recovery file activities and resets the document
// transform state of the recovered path.
type Coordinator struct {
	transform core.DocumentTransform
	logger    *slog.Logger
}

// NewCoordinator creates a coordinator resetting state on transform.
func NewCoordinator(transform core.DocumentTransform, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{transform: transform, logger: logger}
}

// Recover runs the create or delete carried by a and then resets the transform
// state of a.Path exactly once, whether or not the operation failed.
func (c *Coordinator) Recover(ctx context.Context, a core.FileActivity, applier Applier) (err error) {
	defer c.reset(a.Path)

	c.logger.Debug("performing recovery", "path", a.Path, "type", a.Type)

	switch a.Type {
	case core.FileCreated:
		return applier.CreateFile(ctx, a)
	case core.FileRemoved:
		return applier.RemoveFile(ctx, a)
	default:
		c.logger.Warn("recovery not supported for type", "path", a.Path, "type", a.Type)
		return nil
	}
}

func (c *Coordinator) reset(path string) {
	if c.transform == nil {
		return
	}
	c.transform.Reset(path)
}
