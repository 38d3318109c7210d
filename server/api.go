package server

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/cyclopcam/sentry/server/alertdb"
	"github.com/cyclopcam/sentry/server/configdb"
	"github.com/cyclopcam/sentry/server/detector"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
	"gorm.io/gorm"
)

type authenticatedHandler func(w http.ResponseWriter, r *http.Request, params httprouter.Params, user *configdb.User)

func (s *Server) setupHttpRoutes() error {
	router := httprouter.New()

	// Useful when debugging, for "curl -u admin:123 ..."
	alwaysAllowBASICAuth := false
	if os.Getenv("SENTRY_ALWAYS_ALLOW_BASIC_AUTH") == "1" {
		s.Log.Infof("Allowing BASIC authentication for all requests (not just logins)")
		alwaysAllowBASICAuth = true
	}

	// protected creates an HTTP handler that is accessible only with authentication
	protected := func(method, route string, handle authenticatedHandler) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			user := s.configDB.GetUser(r)
			if user == nil && alwaysAllowBASICAuth {
				user = s.userFromBASICAuth(r)
			}
			if user == nil {
				www.SendError(w, "Not authorized", http.StatusUnauthorized)
				return
			}
			handle(w, r, params, user)
		})
	}

	// unprotected creates an HTTP handler that is accessible without authentication
	unprotected := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}

	// ratelimited creates an unprotected handler with a per-IP rate limit.
	// Login must be rate limited because it accepts BASIC credentials.
	ratelimited := func(method, route string, handle http.HandlerFunc, requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(handle).ServeHTTP(w, r)
		})
	}

	unprotected("GET", "/api/ping", s.httpPing)
	ratelimited("POST", "/api/auth/login", s.httpAuthLogin, 5, time.Minute)

	protected("GET", "/api/status", s.httpStatus)

	protected("POST", "/api/cameras", s.httpCameraCreate)
	protected("GET", "/api/cameras", s.httpCameraList)
	protected("GET", "/api/cameras/:cameraID", s.httpCameraGet)
	protected("PUT", "/api/cameras/:cameraID", s.httpCameraUpdate)
	protected("DELETE", "/api/cameras/:cameraID", s.httpCameraDelete)

	protected("POST", "/api/cameras/:cameraID/detection", s.httpDetectionStart)
	protected("DELETE", "/api/cameras/:cameraID/detection", s.httpDetectionStop)

	protected("GET", "/api/cameras/:cameraID/feed", s.httpCameraFeed)
	protected("GET", "/api/ws/feed/:cameraID", s.httpCameraFeedWS)

	// Alert ingestion is the worker callback path. Workers authenticate like
	// everybody else, with the bearer token we hand them at start.
	protected("POST", "/api/alerts", s.httpAlertAdd)
	protected("GET", "/api/alerts", s.httpAlertList)
	protected("PATCH", "/api/alerts/:alertID/seen", s.httpAlertMarkSeen)
	protected("GET", "/api/alerts/:alertID/image", s.httpAlertImage)

	s.httpRouter = router
	return nil
}

func (s *Server) userFromBASICAuth(r *http.Request) *configdb.User {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil
	}
	return s.configDB.AuthenticateUser(username, password)
}

// checkDBError translates our storage/supervisor error taxonomy into an HTTP
// response, by panicking. www.Handle recovers and sends the response.
func checkDBError(err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		www.PanicNotFound()
	case errors.Is(err, configdb.ErrInvalidInput), errors.Is(err, alertdb.ErrInvalidInput):
		www.PanicBadRequestf("%v", err)
	case errors.Is(err, detector.ErrWorkerUnavailable):
		www.Panic(http.StatusBadGateway, err.Error())
	}
	www.Check(err)
}
