package server

import (
	"net/http"

	"github.com/cyclopcam/sentry/server/configdb"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

const cameraBodyLimit = 1024 * 1024

// getCameraForUserOrPanic fetches the camera and verifies that the user is
// allowed to touch it. Admins see every camera; everybody else only their own.
func (s *Server) getCameraForUserOrPanic(idStr string, user *configdb.User) *configdb.Camera {
	id := www.ParseID(idStr)
	if id == 0 {
		www.PanicBadRequestf("Invalid camera ID '%v'", idStr)
	}
	cam, err := s.configDB.GetCameraFromID(id)
	checkDBError(err)
	if cam.UserID != user.ID && !user.HasPermission(configdb.UserPermissionAdmin) {
		www.PanicForbidden()
	}
	return cam
}

func (s *Server) httpCameraCreate(w http.ResponseWriter, r *http.Request, params httprouter.Params, user *configdb.User) {
	cam := configdb.Camera{}
	www.ReadJSON(w, r, &cam, cameraBodyLimit)
	cam.ID = 0
	cam.UserID = user.ID
	checkDBError(s.configDB.CreateCamera(&cam))

	// Detection starts immediately for a new camera. A start failure is not a
	// create failure; the camera simply remains offline.
	if err := s.startDetection(r.Context(), &cam); err != nil {
		s.Log.Warnf("Detection did not start for new camera %v (%v): %v", cam.ID, cam.Name, err)
	} else {
		cam.Status = configdb.CameraStatusActive
	}
	www.SendJSON(w, &cam)
}

func (s *Server) httpCameraList(w http.ResponseWriter, r *http.Request, params httprouter.Params, user *configdb.User) {
	ownerID := user.ID
	if user.HasPermission(configdb.UserPermissionAdmin) {
		ownerID = 0
	}
	cameras, err := s.configDB.ListCameras(ownerID)
	checkDBError(err)
	www.SendJSON(w, cameras)
}

func (s *Server) httpCameraGet(w http.ResponseWriter, r *http.Request, params httprouter.Params, user *configdb.User) {
	cam := s.getCameraForUserOrPanic(params.ByName("cameraID"), user)
	www.SendJSON(w, cam)
}

func (s *Server) httpCameraUpdate(w http.ResponseWriter, r *http.Request, params httprouter.Params, user *configdb.User) {
	cam := s.getCameraForUserOrPanic(params.ByName("cameraID"), user)
	mod := configdb.Camera{}
	www.ReadJSON(w, r, &mod, cameraBodyLimit)
	before, err := s.configDB.UpdateCamera(cam.ID, &mod)
	checkDBError(err)

	// A change to source, features or zone makes the running worker stale
	if !before.EqualsDetectionConfig(&mod) && s.detectors.IsActive(cam.ID) {
		s.Log.Infof("Camera %v detection config changed, restarting worker", cam.ID)
		if err := s.startDetection(r.Context(), &mod); err != nil {
			s.Log.Warnf("Restart after edit failed for camera %v: %v", cam.ID, err)
			mod.Status = configdb.CameraStatusOffline
		}
	}
	www.SendJSON(w, &mod)
}

func (s *Server) httpCameraDelete(w http.ResponseWriter, r *http.Request, params httprouter.Params, user *configdb.User) {
	cam := s.getCameraForUserOrPanic(params.ByName("cameraID"), user)
	s.stopDetection(cam.ID)
	s.detectors.Forget(cam.ID)
	checkDBError(s.configDB.DeleteCamera(cam.ID))
	www.SendOK(w)
}

func (s *Server) httpDetectionStart(w http.ResponseWriter, r *http.Request, params httprouter.Params, user *configdb.User) {
	cam := s.getCameraForUserOrPanic(params.ByName("cameraID"), user)
	checkDBError(s.startDetection(r.Context(), cam))
	resp := map[string]any{
		"cameraID": cam.ID,
	}
	if handle := s.detectors.HandleFor(cam.ID); handle != nil {
		resp["transport"] = handle.Kind
		resp["startedAt"] = handle.StartedAt.UnixMilli()
	}
	www.SendJSON(w, resp)
}

func (s *Server) httpDetectionStop(w http.ResponseWriter, r *http.Request, params httprouter.Params, user *configdb.User) {
	cam := s.getCameraForUserOrPanic(params.ByName("cameraID"), user)
	s.stopDetection(cam.ID)
	www.SendOK(w)
}
