package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/sentry/server/alertdb"
	"github.com/cyclopcam/sentry/server/configdb"
	"github.com/cyclopcam/sentry/server/detector"
	"github.com/cyclopcam/sentry/server/relay"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Log logs.Log

	configDB   *configdb.ConfigDB
	alertDB    *alertdb.AlertDB
	detectors  *detector.Supervisor
	relay      *relay.Relay
	httpPort   string
	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
	wsUpgrader websocket.Upgrader
}

func NewServer(configFile string) (*Server, error) {
	cfg := Config{}
	if cfgB, err := os.ReadFile(configFile); err != nil {
		return nil, err
	} else {
		if err := json.Unmarshal(cfgB, &cfg); err != nil {
			return nil, fmt.Errorf("Error parsing config file %v: %w", configFile, err)
		}
	}
	logger, err := logs.NewLog()
	if err != nil {
		return nil, err
	}
	return NewServerFromConfig(logger, &cfg)
}

// NewServerFromConfig is split out from NewServer so that tests can inject
// their own logger and config.
func NewServerFromConfig(logger logs.Log, cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	configDB, err := configdb.NewConfigDB(logger, cfg.ConfigDB)
	if err != nil {
		return nil, err
	}
	alertDB, err := alertdb.Open(logger, cfg.AlertDB)
	if err != nil {
		return nil, err
	}
	s := &Server{
		Log:       logger,
		configDB:  configDB,
		alertDB:   alertDB,
		detectors: detector.NewSupervisor(logger, configDB, cfg.detectorOptions()),
		relay:     relay.NewRelay(logger),
		httpPort:  cfg.HTTPPort,
	}
	if err := s.setupHttpRoutes(); err != nil {
		return nil, err
	}
	return s, nil
}

// HTTPPort returns the configured listen address, eg ":8080".
func (s *Server) HTTPPort() string {
	return s.httpPort
}

// SeedInitialUser creates the given user if the user table is empty.
// This is how a fresh install gets its first login.
func (s *Server) SeedInitialUser(username, password string, permissions configdb.UserPermissions) (*configdb.User, error) {
	var count int64
	if err := s.configDB.DB.Model(&configdb.User{}).Count(&count).Error; err != nil {
		return nil, err
	}
	if count != 0 {
		s.Log.Infof("Users already exist, not seeding '%v'", username)
		return nil, nil
	}
	user, err := s.configDB.CreateUser(username, password, permissions)
	if err != nil {
		return nil, err
	}
	s.Log.Infof("Seeded initial user '%v' (id %v)", username, user.ID)
	return user, nil
}

// port example: ":8080"
func (s *Server) ListenHTTP(port string) error {
	s.Log.Infof("Listening on %v", port)
	s.httpServer = &http.Server{
		Addr:    port,
		Handler: s.httpRouter,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ResumeActiveCameras restarts detection for cameras that were running when
// we last exited. Failures are logged, not fatal; those cameras go offline.
func (s *Server) ResumeActiveCameras(ctx context.Context) {
	cameras, err := s.configDB.ListCameras(0)
	if err != nil {
		s.Log.Errorf("Failed to list cameras for resume: %v", err)
		return
	}
	for i := range cameras {
		cam := &cameras[i]
		if cam.Status != configdb.CameraStatusActive {
			continue
		}
		if err := s.detectors.Start(ctx, cam); err != nil {
			s.Log.Warnf("Could not resume detection for camera %v (%v): %v", cam.ID, cam.Name, err)
		}
	}
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		if sig, ok := <-s.signalIn; ok {
			s.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
			s.Shutdown()
		}
	}()
}

func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
		s.signalIn = nil
	}
	s.relay.Shutdown()
	s.detectors.StopAll()
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Log.Warnf("HTTP shutdown: %v", err)
		}
	}
	s.Log.Infof("Shutdown complete")
	s.Log.Close()
}

// startDetection runs detection for a camera, first stopping whatever worker
// might already be running for it.
func (s *Server) startDetection(ctx context.Context, cam *configdb.Camera) error {
	// The old feed is dead either way once we restart the worker
	s.relay.CloseCamera(cam.ID)
	return s.detectors.Start(ctx, cam)
}

// stopDetection stops a camera's worker and tears down its viewer sessions.
func (s *Server) stopDetection(cameraID int64) {
	s.relay.CloseCamera(cameraID)
	s.detectors.Stop(cameraID)
}
