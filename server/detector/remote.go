package detector

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/sentry/pkg/mpart"
	"github.com/cyclopcam/sentry/pkg/requests"
	"github.com/cyclopcam/sentry/server/configdb"
)

// RemoteBackend drives a detection worker that is already running as a
// service (typically one worker process per machine, handling one camera
// at a time on a dedicated port).
type RemoteBackend struct {
	log     logs.Log
	baseURL string // eg "http://localhost:5002"
}

func NewRemoteBackend(log logs.Log, baseURL string) *RemoteBackend {
	return &RemoteBackend{
		log:     log,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (b *RemoteBackend) Kind() TransportKind {
	return TransportRemote
}

// The worker's /start body.
// SYNC-WORKER-START-JSON
type workerStartJSON struct {
	SourceURI     string           `json:"source_uri"`
	CameraID      int64            `json:"camera_id"`
	Features      []string         `json:"features"`
	ZonePoints    []configdb.Point `json:"zone_points"`
	CallbackURL   string           `json:"callback_base_url"`
	CallbackToken string           `json:"callback_token,omitempty"`
}

type workerAckJSON struct {
	Status string `json:"status"`
}

func (b *RemoteBackend) Start(ctx context.Context, req *StartRequest) error {
	body := &workerStartJSON{
		SourceURI:     req.Source,
		CameraID:      req.CameraID,
		Features:      req.Features,
		ZonePoints:    req.ZonePoints,
		CallbackURL:   req.CallbackURL,
		CallbackToken: req.CallbackToken,
	}
	_, err := requests.RequestJSON[workerAckJSON](ctx, "POST", b.baseURL+"/start", body)
	if err != nil {
		return fmt.Errorf("Worker start call to %v failed: %w", b.baseURL, err)
	}
	return nil
}

func (b *RemoteBackend) Stop(ctx context.Context) error {
	_, err := requests.RequestJSON[workerAckJSON](ctx, "POST", b.baseURL+"/stop", struct{}{})
	return err
}

func (b *RemoteBackend) OpenFrames(ctx context.Context) (*mpart.Stream, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", b.baseURL+"/video_feed", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("Worker video feed returned %v", resp.Status)
	}
	reader, err := mpart.NewReaderFromResponse(resp)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	return mpart.NewStream(reader, resp.Body), nil
}
