package server

import (
	"net/http"

	"github.com/cyclopcam/sentry/server/alertdb"
	"github.com/cyclopcam/sentry/server/configdb"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

const alertBodyLimit = 16 * 1024 * 1024 // alerts carry a full frame as JPEG

// SYNC-ALERT-INGEST-JSON
// This is the body that detection workers POST to us when they fire an alert.
// Image is base64 in the JSON, decoded by encoding/json into raw bytes.
type alertIngestJSON struct {
	Message          string `json:"message"`
	CameraID         int64  `json:"cameraID"`
	Image            []byte `json:"image"`
	ImageContentType string `json:"imageContentType"`
}

// alertJSON is a listing row, enriched with the camera's friendly name,
// which lives in a different database to the alerts themselves.
type alertJSON struct {
	alertdb.Alert
	CameraName string `json:"cameraName"`
}

func (s *Server) httpAlertAdd(w http.ResponseWriter, r *http.Request, params httprouter.Params, user *configdb.User) {
	body := alertIngestJSON{}
	www.ReadJSON(w, r, &body, alertBodyLimit)

	// The camera must exist. The alert is attributed to the camera's owner,
	// not to whoever delivered it.
	cam, err := s.configDB.GetCameraFromID(body.CameraID)
	if err != nil {
		www.PanicBadRequestf("Alert refers to unknown camera %v", body.CameraID)
	}
	owner, err := s.configDB.GetUserFromID(cam.UserID)
	if err != nil {
		www.PanicBadRequestf("Camera %v has no valid owner", cam.ID)
	}
	alert := alertdb.Alert{
		Message:          body.Message,
		CameraID:         cam.ID,
		UserID:           owner.ID,
		Image:            body.Image,
		ImageContentType: body.ImageContentType,
	}
	checkDBError(s.alertDB.Add(&alert))
	s.Log.Infof("Alert %v from camera %v (%v): %v", alert.ID, cam.ID, cam.Name, alert.Message)
	www.SendID(w, alert.ID)
}

func (s *Server) httpAlertList(w http.ResponseWriter, r *http.Request, params httprouter.Params, user *configdb.User) {
	filter := alertdb.Filter{
		Status: www.QueryValue(r, "status"),
	}
	if cameraQ := www.QueryValue(r, "camera"); cameraQ != "" && cameraQ != "all" {
		filter.CameraID = www.ParseID(cameraQ)
		if filter.CameraID == 0 {
			www.PanicBadRequestf("Invalid camera filter '%v'", cameraQ)
		}
	}
	if !user.HasPermission(configdb.UserPermissionAdmin) {
		filter.UserID = user.ID
	}
	alerts, err := s.alertDB.List(filter)
	checkDBError(err)

	// Join camera names in. Cameras can be deleted out from under their
	// alerts, in which case the name is simply blank.
	names := map[int64]string{}
	if cameras, err := s.configDB.ListCameras(0); err == nil {
		for _, cam := range cameras {
			names[cam.ID] = cam.Name
		}
	}
	resp := make([]alertJSON, 0, len(alerts))
	for _, alert := range alerts {
		resp = append(resp, alertJSON{Alert: alert, CameraName: names[alert.CameraID]})
	}
	www.SendJSON(w, resp)
}

// getAlertForUserOrPanic fetches the alert and verifies that the user is
// allowed to touch it. Same rule as cameras: admins see every alert,
// everybody else only their own.
func (s *Server) getAlertForUserOrPanic(idStr string, user *configdb.User) *alertdb.Alert {
	id := www.ParseID(idStr)
	if id == 0 {
		www.PanicBadRequestf("Invalid alert ID '%v'", idStr)
	}
	alert, err := s.alertDB.GetFromID(id)
	checkDBError(err)
	if alert.UserID != user.ID && !user.HasPermission(configdb.UserPermissionAdmin) {
		www.PanicForbidden()
	}
	return alert
}

func (s *Server) httpAlertMarkSeen(w http.ResponseWriter, r *http.Request, params httprouter.Params, user *configdb.User) {
	alert := s.getAlertForUserOrPanic(params.ByName("alertID"), user)
	checkDBError(s.alertDB.MarkSeen(alert.ID))
	www.SendOK(w)
}

func (s *Server) httpAlertImage(w http.ResponseWriter, r *http.Request, params httprouter.Params, user *configdb.User) {
	alert := s.getAlertForUserOrPanic(params.ByName("alertID"), user)
	img, contentType, err := s.alertDB.GetImage(alert.ID)
	checkDBError(err)
	www.CacheImmutable(w)
	w.Header().Set("Content-Type", contentType)
	w.Write(img)
}
