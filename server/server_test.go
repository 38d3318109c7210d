package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/sentry/pkg/mpart"
	"github.com/cyclopcam/sentry/server/configdb"
	"github.com/stretchr/testify/require"
)

// fakeWorker emulates the detection worker service over real HTTP, so these
// tests exercise the remote transport end to end.
type fakeWorker struct {
	server *httptest.Server

	lock       sync.Mutex
	starts     int
	stops      int
	lastStart  map[string]any
	feedFrames [][]byte
}

func newFakeWorker(t *testing.T) *fakeWorker {
	w := &fakeWorker{
		feedFrames: [][]byte{[]byte("jpeg-1"), []byte("jpeg-2"), []byte("jpeg-3")},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(rw http.ResponseWriter, r *http.Request) {
		body := map[string]any{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.lock.Lock()
		w.starts++
		w.lastStart = body
		w.lock.Unlock()
		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/stop", func(rw http.ResponseWriter, r *http.Request) {
		w.lock.Lock()
		w.stops++
		w.lock.Unlock()
		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/video_feed", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", mpart.ContentType)
		for _, data := range w.feedFrames {
			mpart.WriteFrame(rw, &mpart.Frame{ContentType: "image/jpeg", Data: data})
		}
	})
	w.server = httptest.NewServer(mux)
	t.Cleanup(w.server.Close)
	return w
}

func (w *fakeWorker) startCount() int {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.starts
}

func (w *fakeWorker) stopCount() int {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.stops
}

type testHarness struct {
	t      *testing.T
	server *Server
	http   *httptest.Server
	worker *fakeWorker
	token  string
}

func newTestHarness(t *testing.T) *testHarness {
	worker := newFakeWorker(t)
	tmp := t.TempDir()
	cfg := &Config{
		ConfigDB: filepath.Join(tmp, "config.sqlite"),
		AlertDB:  filepath.Join(tmp, "alerts.sqlite"),
		HTTPPort: ":0",
		Worker: WorkerConfig{
			URL:            worker.server.URL,
			StartTimeoutMS: 2000,
		},
		CallbackURL: "http://127.0.0.1:0",
	}
	srv, err := NewServerFromConfig(logs.NewTestingLog(t), cfg)
	require.NoError(t, err)

	_, err = srv.configDB.CreateUser("admin", "hunter2", configdb.UserPermissionAdmin)
	require.NoError(t, err)

	hs := httptest.NewServer(srv.httpRouter)
	t.Cleanup(hs.Close)

	h := &testHarness{t: t, server: srv, http: hs, worker: worker}
	h.token = h.login("admin", "hunter2")
	return h
}

func (h *testHarness) login(username, password string) string {
	req, _ := http.NewRequest("POST", h.http.URL+"/api/auth/login", nil)
	req.SetBasicAuth(username, password)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	body := map[string]any{}
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(&body))
	return body["bearerToken"].(string)
}

// do sends an authenticated request and decodes the JSON response into out
// (when out is non-nil), requiring the expected status.
func (h *testHarness) do(method, path string, body any, expectStatus int, out any) {
	var reqBody *bytes.Buffer = bytes.NewBuffer(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		reqBody = bytes.NewBuffer(b)
	}
	req, err := http.NewRequest(method, h.http.URL+path, reqBody)
	require.NoError(h.t, err)
	req.Header.Set("Authorization", "Bearer "+h.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	require.Equal(h.t, expectStatus, resp.StatusCode)
	if out != nil {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func (h *testHarness) createCamera(name, source string, features []string) map[string]any {
	cam := map[string]any{}
	h.do("POST", "/api/cameras", map[string]any{
		"name":     name,
		"source":   source,
		"features": features,
	}, http.StatusOK, &cam)
	return cam
}

func camID(cam map[string]any) int64 {
	return int64(cam["id"].(float64))
}

func TestAuthRequired(t *testing.T) {
	h := newTestHarness(t)

	resp, err := http.Get(h.http.URL + "/api/cameras")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// ping is open
	resp, err = http.Get(h.http.URL + "/api/ping")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// bad password
	req, _ := http.NewRequest("POST", h.http.URL+"/api/auth/login", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCameraLifecycle(t *testing.T) {
	h := newTestHarness(t)

	cam := h.createCamera("Front Door", "http://10.0.0.5/stream", []string{configdb.FeatureProtectedZone})
	require.Equal(t, "active", cam["status"])
	require.Equal(t, 1, h.worker.startCount())

	h.worker.lock.Lock()
	require.Equal(t, "http://10.0.0.5/stream", h.worker.lastStart["source_uri"])
	require.Equal(t, float64(camID(cam)), h.worker.lastStart["camera_id"])
	h.worker.lock.Unlock()

	// Status facade sees the running worker
	status := []map[string]any{}
	h.do("GET", "/api/status", nil, http.StatusOK, &status)
	require.Len(t, status, 1)
	require.Equal(t, "active", status[0]["status"])
	require.Equal(t, "remote", status[0]["transport"])

	// Renaming does not restart the worker
	cam["name"] = "Back Door"
	h.do("PUT", fmt.Sprintf("/api/cameras/%v", camID(cam)), cam, http.StatusOK, &cam)
	require.Equal(t, 1, h.worker.startCount())

	// Changing the source restarts the worker
	cam["source"] = "http://10.0.0.6/stream"
	h.do("PUT", fmt.Sprintf("/api/cameras/%v", camID(cam)), cam, http.StatusOK, &cam)
	require.Equal(t, 2, h.worker.startCount())
	require.Equal(t, 1, h.worker.stopCount())

	// Delete stops the worker
	h.do("DELETE", fmt.Sprintf("/api/cameras/%v", camID(cam)), nil, http.StatusOK, nil)
	require.Equal(t, 2, h.worker.stopCount())
	cameras := []map[string]any{}
	h.do("GET", "/api/cameras", nil, http.StatusOK, &cameras)
	require.Len(t, cameras, 0)
}

func TestCameraValidationOverHTTP(t *testing.T) {
	h := newTestHarness(t)
	h.do("POST", "/api/cameras", map[string]any{"name": "", "source": "x"}, http.StatusBadRequest, nil)
	h.do("POST", "/api/cameras", map[string]any{"name": "x", "source": ""}, http.StatusBadRequest, nil)
	h.do("GET", "/api/cameras/999", nil, http.StatusNotFound, nil)
}

func TestDetectionStartStop(t *testing.T) {
	h := newTestHarness(t)
	cam := h.createCamera("Yard", "http://10.0.0.7/stream", nil)
	id := camID(cam)

	// Stop is idempotent
	h.do("DELETE", fmt.Sprintf("/api/cameras/%v/detection", id), nil, http.StatusOK, nil)
	h.do("DELETE", fmt.Sprintf("/api/cameras/%v/detection", id), nil, http.StatusOK, nil)

	status := []map[string]any{}
	h.do("GET", "/api/status", nil, http.StatusOK, &status)
	require.Equal(t, "offline", status[0]["status"])

	// And start brings it back
	started := map[string]any{}
	h.do("POST", fmt.Sprintf("/api/cameras/%v/detection", id), nil, http.StatusOK, &started)
	require.Equal(t, "remote", started["transport"])
}

func TestAlertIngestAndLifecycle(t *testing.T) {
	h := newTestHarness(t)
	cam := h.createCamera("Gate", "http://10.0.0.8/stream", nil)
	img := []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3}

	created := map[string]any{}
	h.do("POST", "/api/alerts", map[string]any{
		"message":  "Person in protected zone for 5s",
		"cameraID": camID(cam),
		"image":    base64.StdEncoding.EncodeToString(img),
	}, http.StatusOK, &created)
	alertID := int64(created["id"].(float64))

	// Unknown camera is rejected
	h.do("POST", "/api/alerts", map[string]any{
		"message":  "ghost",
		"cameraID": 999,
	}, http.StatusBadRequest, nil)

	// Listing is enriched with the camera name, and flags the image
	alerts := []map[string]any{}
	h.do("GET", "/api/alerts?status=unseen", nil, http.StatusOK, &alerts)
	require.Len(t, alerts, 1)
	require.Equal(t, "Gate", alerts[0]["cameraName"])
	require.Equal(t, true, alerts[0]["hasImage"])

	// Mark seen, twice. The second call is a no-op success.
	h.do("PATCH", fmt.Sprintf("/api/alerts/%v/seen", alertID), nil, http.StatusOK, nil)
	h.do("PATCH", fmt.Sprintf("/api/alerts/%v/seen", alertID), nil, http.StatusOK, nil)
	h.do("PATCH", "/api/alerts/999/seen", nil, http.StatusNotFound, nil)

	h.do("GET", "/api/alerts?status=unseen", nil, http.StatusOK, &alerts)
	require.Len(t, alerts, 0)

	// Fetch the image back
	req, _ := http.NewRequest("GET", h.http.URL+fmt.Sprintf("/api/alerts/%v/image", alertID), nil)
	req.Header.Set("Authorization", "Bearer "+h.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	require.Equal(t, img, buf.Bytes())
}

func TestFeedRelay(t *testing.T) {
	h := newTestHarness(t)
	cam := h.createCamera("Drive", "http://10.0.0.9/stream", nil)

	req, _ := http.NewRequest("GET", h.http.URL+fmt.Sprintf("/api/cameras/%v/feed", camID(cam)), nil)
	req.Header.Set("Authorization", "Bearer "+h.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "multipart/x-mixed-replace")

	reader := mpart.NewReader(resp.Body)
	frame, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, "jpeg-1", string(frame.Data))
	frame, err = reader.Next()
	require.NoError(t, err)
	require.Equal(t, "jpeg-2", string(frame.Data))
}

func TestFeedOfflineCamera(t *testing.T) {
	h := newTestHarness(t)
	cam := h.createCamera("Side", "http://10.0.0.10/stream", nil)
	h.do("DELETE", fmt.Sprintf("/api/cameras/%v/detection", camID(cam)), nil, http.StatusOK, nil)

	req, _ := http.NewRequest("GET", h.http.URL+fmt.Sprintf("/api/cameras/%v/feed", camID(cam)), nil)
	req.Header.Set("Authorization", "Bearer "+h.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFeedRtspRedirect(t *testing.T) {
	h := newTestHarness(t)
	cam := h.createCamera("Barn", "rtsp://10.0.0.11/stream", nil)

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	req, _ := http.NewRequest("GET", h.http.URL+fmt.Sprintf("/api/cameras/%v/feed", camID(cam)), nil)
	req.Header.Set("Authorization", "Bearer "+h.token)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "rtsp://10.0.0.11/stream", resp.Header.Get("Location"))
}

func TestViewerScoping(t *testing.T) {
	h := newTestHarness(t)
	h.createCamera("AdminCam", "http://10.0.0.12/stream", nil)

	_, err := h.server.configDB.CreateUser("viewer", "pw", configdb.UserPermissionViewer)
	require.NoError(t, err)
	viewerToken := h.login("viewer", "pw")

	adminToken := h.token
	h.token = viewerToken
	defer func() { h.token = adminToken }()

	// Viewers only see their own cameras
	cameras := []map[string]any{}
	h.do("GET", "/api/cameras", nil, http.StatusOK, &cameras)
	require.Len(t, cameras, 0)

	// And can't touch somebody else's
	h.do("GET", "/api/cameras/1", nil, http.StatusForbidden, nil)
}

// Alerts follow the same ownership rule as cameras: one user may not read
// or modify another user's alerts.
func TestAlertScoping(t *testing.T) {
	h := newTestHarness(t)
	cam := h.createCamera("Gate", "http://10.0.0.14/stream", nil)

	created := map[string]any{}
	h.do("POST", "/api/alerts", map[string]any{
		"message":  "Person at the gate",
		"cameraID": camID(cam),
		"image":    base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 1, 2, 3}),
	}, http.StatusOK, &created)
	alertID := int64(created["id"].(float64))

	_, err := h.server.configDB.CreateUser("viewer", "pw", configdb.UserPermissionViewer)
	require.NoError(t, err)
	viewerToken := h.login("viewer", "pw")

	adminToken := h.token
	h.token = viewerToken

	// The stranger sees an empty list, and cannot touch the alert directly
	alerts := []map[string]any{}
	h.do("GET", "/api/alerts", nil, http.StatusOK, &alerts)
	require.Len(t, alerts, 0)
	h.do("PATCH", fmt.Sprintf("/api/alerts/%v/seen", alertID), nil, http.StatusForbidden, nil)
	h.do("GET", fmt.Sprintf("/api/alerts/%v/image", alertID), nil, http.StatusForbidden, nil)

	// The owner still can
	h.token = adminToken
	h.do("PATCH", fmt.Sprintf("/api/alerts/%v/seen", alertID), nil, http.StatusOK, nil)
	h.do("GET", fmt.Sprintf("/api/alerts/%v/image", alertID), nil, http.StatusOK, nil)
}

func TestResumeActiveCameras(t *testing.T) {
	h := newTestHarness(t)
	cam := h.createCamera("Porch", "http://10.0.0.13/stream", nil)
	require.Equal(t, 1, h.worker.startCount())

	// Simulate a process crash: the supervisor loses its handle, but the DB
	// still says the camera was active.
	h.server.detectors.Forget(camID(cam))
	h.server.configDB.SetCameraStatus(camID(cam), configdb.CameraStatusActive)
	h.server.ResumeActiveCameras(context.Background())
	require.Equal(t, 2, h.worker.startCount())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !h.server.detectors.IsActive(camID(cam)) {
		time.Sleep(time.Millisecond)
	}
	require.True(t, h.server.detectors.IsActive(camID(cam)))
}
