package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cyclopcam/sentry/pkg/mpart"
	"github.com/cyclopcam/sentry/server/configdb"
	"github.com/cyclopcam/sentry/server/relay"
	"github.com/cyclopcam/www"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// httpCameraFeed relays the camera's live annotated frame stream to the
// client as multipart/x-mixed-replace, the format that browsers render
// natively inside an <img> element.
func (s *Server) httpCameraFeed(w http.ResponseWriter, r *http.Request, params httprouter.Params, user *configdb.User) {
	cam := s.getCameraForUserOrPanic(params.ByName("cameraID"), user)

	// RTSP sources can be played by the client directly, no relay needed
	if strings.HasPrefix(cam.Source, "rtsp://") {
		http.Redirect(w, r, cam.Source, http.StatusFound)
		return
	}

	sess := s.openFeedOrPanic(r, cam)
	defer sess.Close()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", mpart.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	clientGone := r.Context().Done()
	for {
		select {
		case frame, ok := <-sess.Frames:
			if !ok {
				// Upstream died (or we were too slow). The multipart stream
				// just ends; the client reconnects if it wants more.
				return
			}
			if err := mpart.WriteFrame(w, frame); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-clientGone:
			return
		}
	}
}

// openFeedOrPanic attaches a relay session for the camera, starting from the
// supervisor's live worker handle. No worker means there is nothing to watch.
func (s *Server) openFeedOrPanic(r *http.Request, cam *configdb.Camera) *relay.Session {
	if !s.detectors.IsActive(cam.ID) {
		www.Panic(http.StatusServiceUnavailable, "Camera is offline")
	}
	sess, err := s.relay.OpenFeed(r.Context(), cam.ID, func(ctx context.Context) (*mpart.Stream, error) {
		return s.detectors.OpenFrames(ctx, cam.ID)
	})
	if err != nil {
		s.Log.Warnf("Failed to open feed for camera %v: %v", cam.ID, err)
		www.Panic(http.StatusBadGateway, "Could not reach the camera's worker")
	}
	return sess
}

// httpCameraFeedWS is the websocket variant of the live feed, for clients
// that want frame boundaries without parsing multipart.
// Each frame is one binary message.
func (s *Server) httpCameraFeedWS(w http.ResponseWriter, r *http.Request, params httprouter.Params, user *configdb.User) {
	cam := s.getCameraForUserOrPanic(params.ByName("cameraID"), user)
	sess := s.openFeedOrPanic(r, cam)
	defer sess.Close()

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("Feed websocket upgrade failed for camera %v: %v", cam.ID, err)
		return
	}
	defer conn.Close()

	// Reader goroutine exists only to detect the client going away
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case frame, ok := <-sess.Frames:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "upstream ended"),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}
