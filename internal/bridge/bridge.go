package bridge

import (
	"context"
	"time"

	"jobpilot/internal/models"
)

// Request carries everything one worker run needs. Proxy may be nil
// (or direct), in which case the worker egresses without one.
type Request struct {
	Job       *models.AutomationJob
	Proxy     *models.ProxyEndpoint
	SessionID string
	Timeout   time.Duration

	// OnOutput receives every captured worker line, tagged with its
	// stream ("stdout" or "stderr"). Best effort; may be nil.
	OnOutput func(stream, line string)
}

// Executor runs one application attempt to completion. The returned
// result is never nil unless err reports that the attempt could not
// run at all; a timeout returns both a terminal result and an error.
type Executor interface {
	Execute(ctx context.Context, req Request) (*models.ApplicationResult, error)
}
