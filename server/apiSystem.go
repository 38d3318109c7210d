package server

import (
	"net/http"

	"github.com/cyclopcam/sentry/server/configdb"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, map[string]any{
		"pong": true,
	})
}

// cameraStatusJSON is one row of the /api/status response.
type cameraStatusJSON struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Transport string `json:"transport,omitempty"` // "remote" or "process", when active
	Viewers   int    `json:"viewers"`
	LastError string `json:"lastError,omitempty"`
}

// httpStatus reports the live state of every camera the user can see.
// Status comes from the supervisor, not the database, so a crashed worker
// shows up here even before anything touches the DB record.
func (s *Server) httpStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params, user *configdb.User) {
	ownerID := user.ID
	if user.HasPermission(configdb.UserPermissionAdmin) {
		ownerID = 0
	}
	cameras, err := s.configDB.ListCameras(ownerID)
	checkDBError(err)

	resp := make([]cameraStatusJSON, 0, len(cameras))
	for _, cam := range cameras {
		row := cameraStatusJSON{
			ID:      cam.ID,
			Name:    cam.Name,
			Status:  configdb.CameraStatusOffline,
			Viewers: s.relay.ViewerCount(cam.ID),
		}
		if handle := s.detectors.HandleFor(cam.ID); handle != nil {
			row.Status = configdb.CameraStatusActive
			row.Transport = string(handle.Kind)
		} else if err := s.detectors.LastError(cam.ID); err != nil {
			row.LastError = err.Error()
		}
		resp = append(resp, row)
	}
	www.SendJSON(w, resp)
}
