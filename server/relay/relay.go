package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/sentry/pkg/mpart"
)

// ErrUpstreamEnded is the terminal error of a viewer session whose worker
// stream died (network reset, process exit, camera deleted). We do not
// reconnect; the viewer must open a new feed once detection is running again.
var ErrUpstreamEnded = errors.New("upstream ended")

// ErrSlowViewer is the terminal error of a viewer that could not keep up.
var ErrSlowViewer = errors.New("viewer too slow")

// Number of frames that we will buffer for a viewer before deciding that it
// is too slow to keep, and dropping it.
const viewerQueueSize = 15

// OpenUpstream establishes the frame stream from a camera's worker.
// The context governs the life of the stream, not just its establishment.
type OpenUpstream func(ctx context.Context) (*mpart.Stream, error)

// Relay fans each camera's single upstream frame stream out to any number of
// viewers. Viewers never talk to the worker, and a slow viewer never stalls
// the upstream read loop or the other viewers.
type Relay struct {
	log logs.Log

	lock sync.Mutex
	hubs map[int64]*hub
}

func NewRelay(log logs.Log) *Relay {
	return &Relay{
		log:  log,
		hubs: map[int64]*hub{},
	}
}

// Session is one viewer's attachment to a camera's feed.
// Frames is closed when the session ends; Err explains why.
type Session struct {
	Frames <-chan *mpart.Frame

	hub    *hub
	frames chan *mpart.Frame
	closed bool // guarded by hub.lock
	err    error
}

// Err returns the terminal error of the session, valid after Frames closes.
// nil means the viewer itself closed the session.
func (s *Session) Err() error {
	s.hub.lock.Lock()
	defer s.hub.lock.Unlock()
	return s.err
}

// Close detaches the viewer. Safe to call at any time, from any goroutine,
// and more than once. The upstream connection stays open even after the last
// viewer leaves: for a subprocess worker the stream is the child's stdout,
// which cannot be reopened, so the hub keeps draining it until the worker
// stops or the stream ends.
func (s *Session) Close() {
	s.hub.detach(s, nil)
}

// OpenFeed attaches a viewer to the camera's live feed, establishing the
// upstream worker connection if this is the first viewer.
// The context bounds only the establishment of the upstream.
func (r *Relay) OpenFeed(ctx context.Context, cameraID int64, open OpenUpstream) (*Session, error) {
	r.lock.Lock()
	h := r.hubs[cameraID]
	if h == nil {
		h = newHub(r, cameraID)
		r.hubs[cameraID] = h
	}
	r.lock.Unlock()

	sess, first, err := h.attach()
	if err != nil {
		// The hub is terminal. Retry once with a fresh hub, rather than
		// leaving a race where viewers keep hitting a dying hub.
		r.removeHub(h)
		r.lock.Lock()
		h = r.hubs[cameraID]
		if h == nil {
			h = newHub(r, cameraID)
			r.hubs[cameraID] = h
		}
		r.lock.Unlock()
		sess, first, err = h.attach()
		if err != nil {
			return nil, err
		}
	}
	if first {
		if err := h.connect(ctx, open); err != nil {
			r.removeHub(h)
			return nil, err
		}
	}
	return sess, nil
}

// CloseCamera tears down the camera's upstream and all of its viewer
// sessions. Called when a camera is deleted or its worker is stopped.
func (r *Relay) CloseCamera(cameraID int64) {
	r.lock.Lock()
	h := r.hubs[cameraID]
	r.lock.Unlock()
	if h != nil {
		h.shutdown(ErrUpstreamEnded)
	}
}

// ViewerCount returns the number of open sessions for a camera.
func (r *Relay) ViewerCount(cameraID int64) int {
	r.lock.Lock()
	h := r.hubs[cameraID]
	r.lock.Unlock()
	if h == nil {
		return 0
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.viewers)
}

// Shutdown closes every hub. Used when the server exits.
func (r *Relay) Shutdown() {
	r.lock.Lock()
	hubs := make([]*hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.lock.Unlock()
	for _, h := range hubs {
		h.shutdown(ErrUpstreamEnded)
	}
}

func (r *Relay) removeHub(h *hub) {
	r.lock.Lock()
	if r.hubs[h.cameraID] == h {
		delete(r.hubs, h.cameraID)
	}
	r.lock.Unlock()
}

// hub multiplexes one upstream connection to the viewers of one camera.
type hub struct {
	relay    *Relay
	cameraID int64

	ctx    context.Context
	cancel context.CancelFunc

	lock     sync.Mutex
	viewers  map[*Session]bool
	upstream *mpart.Stream
	running  bool
	ended    bool
	endErr   error

	lastDropMsg time.Time
}

func newHub(r *Relay, cameraID int64) *hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &hub{
		relay:    r,
		cameraID: cameraID,
		ctx:      ctx,
		cancel:   cancel,
		viewers:  map[*Session]bool{},
	}
}

// attach registers a new viewer. Returns first=true if this viewer is
// responsible for establishing the upstream.
func (h *hub) attach() (*Session, bool, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.ended {
		return nil, false, h.endErr
	}
	sess := &Session{
		hub:    h,
		frames: make(chan *mpart.Frame, viewerQueueSize),
	}
	sess.Frames = sess.frames
	h.viewers[sess] = true
	first := !h.running
	h.running = true
	return sess, first, nil
}

// connect establishes the upstream and starts the read loop.
// Only the first viewer's OpenFeed calls this.
func (h *hub) connect(ctx context.Context, open OpenUpstream) error {
	// The upstream must outlive the first viewer's request, so it is bound
	// to the hub's own context. The caller's context only limits how long we
	// wait for establishment.
	type result struct {
		stream *mpart.Stream
		err    error
	}
	results := make(chan result, 1)
	go func() {
		stream, err := open(h.ctx)
		results <- result{stream, err}
	}()
	select {
	case res := <-results:
		if res.err != nil {
			h.shutdown(res.err)
			return res.err
		}
		h.lock.Lock()
		if h.ended {
			h.lock.Unlock()
			res.stream.Close()
			return h.endErr
		}
		h.upstream = res.stream
		h.lock.Unlock()
		go h.readLoop(res.stream)
		return nil
	case <-ctx.Done():
		// Abandon the dial; the goroutine will clean up when it completes
		go func() {
			if res := <-results; res.stream != nil {
				res.stream.Close()
			}
		}()
		h.shutdown(ctx.Err())
		return ctx.Err()
	}
}

// readLoop pulls frames from the worker and pushes them to viewers.
// This loop never blocks on a viewer.
func (h *hub) readLoop(stream *mpart.Stream) {
	for {
		frame, err := stream.Next()
		if err != nil {
			if h.ctx.Err() == nil {
				h.relay.log.Infof("Upstream for camera %v ended: %v", h.cameraID, err)
			}
			h.shutdown(ErrUpstreamEnded)
			return
		}
		h.broadcast(frame)
	}
}

func (h *hub) broadcast(frame *mpart.Frame) {
	slow := []*Session{}
	h.lock.Lock()
	for sess := range h.viewers {
		select {
		case sess.frames <- frame:
		default:
			slow = append(slow, sess)
		}
	}
	if len(slow) != 0 && time.Since(h.lastDropMsg) > 5*time.Second {
		h.relay.log.Infof("Dropping %v slow viewer(s) of camera %v", len(slow), h.cameraID)
		h.lastDropMsg = time.Now()
	}
	h.lock.Unlock()
	for _, sess := range slow {
		h.detach(sess, ErrSlowViewer)
	}
}

// detach removes one viewer. The hub and its upstream survive losing the
// last viewer; only CloseCamera, Shutdown, or the upstream ending retire it.
func (h *hub) detach(sess *Session, reason error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if sess.closed {
		return
	}
	sess.closed = true
	sess.err = reason
	delete(h.viewers, sess)
	close(sess.frames)
}

// shutdown makes the hub terminal: the upstream is closed, and every
// remaining viewer's channel is closed with err as the reason.
func (h *hub) shutdown(err error) {
	h.lock.Lock()
	if h.ended {
		h.lock.Unlock()
		return
	}
	h.ended = true
	h.endErr = err
	upstream := h.upstream
	h.upstream = nil
	viewers := make([]*Session, 0, len(h.viewers))
	for sess := range h.viewers {
		viewers = append(viewers, sess)
	}
	h.lock.Unlock()

	h.cancel()
	if upstream != nil {
		upstream.Close()
	}
	for _, sess := range viewers {
		h.lock.Lock()
		if !sess.closed {
			sess.closed = true
			sess.err = err
			delete(h.viewers, sess)
			close(sess.frames)
		}
		h.lock.Unlock()
	}
	h.relay.removeHub(h)
}
