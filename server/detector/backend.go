package detector

import (
	"context"

	"github.com/cyclopcam/sentry/pkg/mpart"
	"github.com/cyclopcam/sentry/server/configdb"
)

// TransportKind records which path succeeded when starting a worker.
type TransportKind string

const (
	TransportRemote  TransportKind = "remote"  // Worker reached over HTTP
	TransportProcess TransportKind = "process" // Worker spawned as a local subprocess
)

// StartRequest carries everything a worker needs to begin detection on one camera.
type StartRequest struct {
	CameraID      int64
	Source        string
	Features      []string
	ZonePoints    []configdb.Point
	CallbackURL   string // Base URL the worker posts alerts back to
	CallbackToken string // Bearer token for those callbacks
}

// WorkerWatcher is implemented by backends that can observe their worker
// dying on its own. Died delivers the exit error of an unsolicited death,
// and closes without a value when the exit was requested via Stop.
type WorkerWatcher interface {
	Died() <-chan error
}

// Backend is one way of running a detection worker. The supervisor tries the
// remote backend first, and falls back to spawning a subprocess.
// A Backend instance manages at most one worker, for one camera.
type Backend interface {
	Kind() TransportKind

	// Start the worker. The context bounds the start attempt only, not the
	// lifetime of the worker.
	Start(ctx context.Context, req *StartRequest) error

	// Stop the worker. Best effort: errors are informational.
	Stop(ctx context.Context) error

	// OpenFrames opens the worker's live frame stream.
	// For a subprocess worker this may only be called once per Start.
	OpenFrames(ctx context.Context) (*mpart.Stream, error)
}
