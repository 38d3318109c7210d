package server

import (
	"fmt"
	"time"

	"github.com/cyclopcam/sentry/server/detector"
)

// WorkerConfig controls how detection workers are launched.
type WorkerConfig struct {
	// Base URL of a remote detection worker service, eg "http://127.0.0.1:5000".
	// If empty, the remote path is skipped and we go straight to spawning.
	URL string `json:"url"`

	// Program (and its leading arguments) spawned as a local detection worker
	// when the remote service is unreachable, eg "python3" + ["detect.py"].
	Program     string   `json:"program"`
	ProgramArgs []string `json:"programArgs"`

	// Deadline for a single worker start attempt, in milliseconds.
	// Zero means the default.
	StartTimeoutMS int `json:"startTimeoutMS"`
}

// Config is the root of our JSON config file.
type Config struct {
	// Sqlite database filenames
	ConfigDB string `json:"configDB"`
	AlertDB  string `json:"alertDB"`

	// eg ":8080"
	HTTPPort string `json:"httpPort"`

	// Base URL that workers use to reach us for alert callbacks,
	// eg "http://127.0.0.1:8080". If empty, we synthesize one from HTTPPort.
	CallbackURL string `json:"callbackURL"`

	Worker WorkerConfig `json:"worker"`
}

func (c *Config) Validate() error {
	if c.ConfigDB == "" || c.AlertDB == "" {
		return fmt.Errorf("configDB and alertDB filenames must be set")
	}
	if c.HTTPPort == "" {
		c.HTTPPort = ":8080"
	}
	if c.CallbackURL == "" {
		c.CallbackURL = "http://127.0.0.1" + c.HTTPPort
	}
	return nil
}

func (c *Config) detectorOptions() detector.Options {
	opts := detector.Options{
		WorkerURL:   c.Worker.URL,
		Program:     c.Worker.Program,
		ProgramArgs: c.Worker.ProgramArgs,
		CallbackURL: c.CallbackURL,
	}
	if c.Worker.StartTimeoutMS > 0 {
		opts.StartTimeout = time.Duration(c.Worker.StartTimeoutMS) * time.Millisecond
	}
	return opts
}
