package detector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/sentry/pkg/mpart"
	"github.com/cyclopcam/sentry/server/configdb"
)

// ErrWorkerUnavailable means both the remote and the subprocess start paths failed.
var ErrWorkerUnavailable = errors.New("worker unavailable")

// ErrNoWorker means no worker is running for the requested camera.
var ErrNoWorker = errors.New("no worker running for camera")

// DefaultStartTimeout bounds one worker control call. An unbounded wait here
// would block camera creation and editing.
const DefaultStartTimeout = 5 * time.Second

// Lifetime of the session token that we hand to a worker for its alert
// callbacks. Restarting the worker mints a fresh one.
const workerTokenLifetime = 90 * 24 * time.Hour

// Options configures the Supervisor.
type Options struct {
	WorkerURL    string   // Base URL of the remote worker service. Empty disables the remote path.
	Program      string   // Local worker program for the fallback path. Empty disables fallback.
	ProgramArgs  []string // Leading arguments of the local worker (eg the script name)
	CallbackURL  string   // Base URL workers post alerts back to (our own address)
	StartTimeout time.Duration
}

// Handle describes the currently running worker for one camera.
type Handle struct {
	CameraID  int64
	Kind      TransportKind
	StartedAt time.Time

	backend Backend
}

// Supervisor owns the camera id -> running worker mapping, and guarantees at
// most one active worker per camera. All transitions for one camera id are
// serialized; different cameras proceed independently.
type Supervisor struct {
	log      logs.Log
	configDB *configdb.ConfigDB
	opts     Options

	camerasLock sync.Mutex
	cameras     map[int64]*cameraState

	// newBackends returns the start paths to try, in order.
	// Overridden by tests.
	newBackends func() []Backend
}

// cameraState serializes all worker transitions for one camera id.
type cameraState struct {
	lock sync.Mutex // held for the duration of start/stop/restart

	// cancelLock guards cancelStart, so that Stop can abort an in-flight
	// Start without waiting for 'lock'.
	cancelLock  sync.Mutex
	cancelStart context.CancelFunc

	handle  *Handle
	lastErr error
}

func NewSupervisor(log logs.Log, configDB *configdb.ConfigDB, opts Options) *Supervisor {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	s := &Supervisor{
		log:      log,
		configDB: configDB,
		opts:     opts,
		cameras:  map[int64]*cameraState{},
	}
	s.newBackends = s.defaultBackends
	return s
}

func (s *Supervisor) defaultBackends() []Backend {
	backends := []Backend{}
	if s.opts.WorkerURL != "" {
		backends = append(backends, NewRemoteBackend(s.log, s.opts.WorkerURL))
	}
	if s.opts.Program != "" {
		backends = append(backends, NewSubprocessBackend(s.log, s.opts.Program, s.opts.ProgramArgs...))
	}
	return backends
}

func (s *Supervisor) state(cameraID int64) *cameraState {
	s.camerasLock.Lock()
	defer s.camerasLock.Unlock()
	st := s.cameras[cameraID]
	if st == nil {
		st = &cameraState{}
		s.cameras[cameraID] = st
	}
	return st
}

// Start launches a detection worker for the camera. If a worker is already
// running for this camera id, it is stopped first, so two concurrent Start
// calls can never install two workers. On success the camera's status is
// recorded as active; on failure it is recorded as offline and the camera
// has no handle.
func (s *Supervisor) Start(ctx context.Context, cam *configdb.Camera) error {
	return s.start(ctx, cam, false)
}

// isRetry is true when this start is the automatic restart after an
// unsolicited worker death. That restart gets no further retries.
func (s *Supervisor) start(ctx context.Context, cam *configdb.Camera, isRetry bool) error {
	st := s.state(cam.ID)
	st.lock.Lock()
	defer st.lock.Unlock()

	s.stopLocked(st, cam.ID)

	// startCtx covers the whole start attempt, including fallback. Stop can
	// cancel it to abort an in-flight start (eg when the camera is deleted).
	startCtx, cancelStart := context.WithCancel(ctx)
	st.cancelLock.Lock()
	st.cancelStart = cancelStart
	st.cancelLock.Unlock()
	defer func() {
		st.cancelLock.Lock()
		st.cancelStart = nil
		st.cancelLock.Unlock()
		cancelStart()
	}()

	data := cam.Data()
	req := &StartRequest{
		CameraID:      cam.ID,
		Source:        cam.Source,
		Features:      data.Features,
		ZonePoints:    data.ZonePoints,
		CallbackURL:   s.opts.CallbackURL,
		CallbackToken: s.mintCallbackToken(cam),
	}

	var firstErr error
	for _, backend := range s.newBackends() {
		if startCtx.Err() != nil {
			if firstErr == nil {
				firstErr = startCtx.Err()
			}
			break
		}
		// Each backend gets its own timeout budget
		attemptCtx, cancel := context.WithTimeout(startCtx, s.opts.StartTimeout)
		err := backend.Start(attemptCtx, req)
		cancel()
		if err == nil {
			st.handle = &Handle{
				CameraID:  cam.ID,
				Kind:      backend.Kind(),
				StartedAt: time.Now(),
				backend:   backend,
			}
			st.lastErr = nil
			s.log.Infof("Started detection for camera %v (%v) via %v", cam.ID, cam.Name, backend.Kind())
			s.configDB.SetCameraStatus(cam.ID, configdb.CameraStatusActive)
			if w, ok := backend.(WorkerWatcher); ok {
				go s.watchWorker(cam, st.handle, w.Died(), isRetry)
			}
			return nil
		}
		s.log.Warnf("Detection start via %v failed for camera %v: %v", backend.Kind(), cam.ID, err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no detection backends configured")
	}
	st.lastErr = firstErr
	s.configDB.SetCameraStatus(cam.ID, configdb.CameraStatusOffline)
	return fmt.Errorf("%w: %v", ErrWorkerUnavailable, firstErr)
}

// mintCallbackToken creates the bearer token that the worker uses to
// authenticate its alert callbacks. The token belongs to the camera's owner.
func (s *Supervisor) mintCallbackToken(cam *configdb.Camera) string {
	if s.opts.CallbackURL == "" || cam.UserID == 0 {
		return ""
	}
	token, err := s.configDB.Login(cam.UserID, time.Now().Add(workerTokenLifetime))
	if err != nil {
		s.log.Warnf("Could not create worker token for camera %v: %v", cam.ID, err)
		return ""
	}
	return token
}

// Stop shuts down the camera's worker, if any. Stop never fails: remote stop
// errors are logged and swallowed, and stopping a stopped camera is a no-op.
// An in-flight Start for the same camera is cancelled.
func (s *Supervisor) Stop(cameraID int64) {
	s.stopWorker(cameraID)
	s.configDB.SetCameraStatus(cameraID, configdb.CameraStatusOffline)
}

// stopWorker is Stop without the status write. Process shutdown uses this so
// that cameras that were active stay marked active, and get resumed on the
// next run.
func (s *Supervisor) stopWorker(cameraID int64) {
	st := s.state(cameraID)

	st.cancelLock.Lock()
	if st.cancelStart != nil {
		st.cancelStart()
	}
	st.cancelLock.Unlock()

	st.lock.Lock()
	defer st.lock.Unlock()
	s.stopLocked(st, cameraID)
}

// watchWorker reacts to a worker dying on its own (eg a subprocess crash).
// The worker is restarted once, immediately. If the restarted worker also
// dies, the camera goes offline until somebody starts it again.
func (s *Supervisor) watchWorker(cam *configdb.Camera, h *Handle, died <-chan error, wasRetry bool) {
	exitErr, ok := <-died
	if !ok {
		// Stop asked for this exit
		return
	}
	st := s.state(cam.ID)
	st.lock.Lock()
	current := st.handle == h
	if current {
		st.handle = nil
		st.lastErr = exitErr
	}
	st.lock.Unlock()
	if !current {
		// A newer worker already replaced the one that died
		return
	}
	if wasRetry {
		s.log.Errorf("Restarted worker for camera %v died again: %v. Giving up", cam.ID, exitErr)
		s.configDB.SetCameraStatus(cam.ID, configdb.CameraStatusOffline)
		return
	}
	s.log.Warnf("Worker for camera %v died: %v. Restarting it once", cam.ID, exitErr)
	if err := s.start(context.Background(), cam, true); err != nil {
		s.log.Errorf("Restart after worker death failed for camera %v: %v", cam.ID, err)
	}
}

// stopLocked tears down the current handle. Caller holds st.lock.
func (s *Supervisor) stopLocked(st *cameraState, cameraID int64) {
	if st.handle == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), s.opts.StartTimeout)
	defer cancel()
	if err := st.handle.backend.Stop(stopCtx); err != nil {
		s.log.Warnf("Error stopping %v worker for camera %v (ignored): %v", st.handle.Kind, cameraID, err)
	}
	s.log.Infof("Stopped detection for camera %v", cameraID)
	st.handle = nil
}

// Forget removes all supervisor state for a deleted camera.
// The worker is stopped first.
func (s *Supervisor) Forget(cameraID int64) {
	s.Stop(cameraID)
	s.camerasLock.Lock()
	defer s.camerasLock.Unlock()
	delete(s.cameras, cameraID)
}

// HandleFor returns a snapshot of the camera's current handle, or nil.
func (s *Supervisor) HandleFor(cameraID int64) *Handle {
	s.camerasLock.Lock()
	st := s.cameras[cameraID]
	s.camerasLock.Unlock()
	if st == nil {
		return nil
	}
	st.lock.Lock()
	defer st.lock.Unlock()
	if st.handle == nil {
		return nil
	}
	h := *st.handle
	return &h
}

// IsActive returns true if the camera has a running worker.
func (s *Supervisor) IsActive(cameraID int64) bool {
	return s.HandleFor(cameraID) != nil
}

// LastError returns the most recent start failure for the camera, or nil.
func (s *Supervisor) LastError(cameraID int64) error {
	s.camerasLock.Lock()
	st := s.cameras[cameraID]
	s.camerasLock.Unlock()
	if st == nil {
		return nil
	}
	st.lock.Lock()
	defer st.lock.Unlock()
	return st.lastErr
}

// OpenFrames opens the live frame stream of the camera's worker.
func (s *Supervisor) OpenFrames(ctx context.Context, cameraID int64) (*mpart.Stream, error) {
	h := s.HandleFor(cameraID)
	if h == nil {
		return nil, ErrNoWorker
	}
	return h.backend.OpenFrames(ctx)
}

// StopAll stops every running worker. Used at shutdown.
func (s *Supervisor) StopAll() {
	s.camerasLock.Lock()
	ids := make([]int64, 0, len(s.cameras))
	for id := range s.cameras {
		ids = append(ids, id)
	}
	s.camerasLock.Unlock()
	wg := sync.WaitGroup{}
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			s.stopWorker(id)
		}(id)
	}
	wg.Wait()
}
