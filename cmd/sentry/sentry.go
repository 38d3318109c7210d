package main

import (
	"context"
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/sentry/server"
	"github.com/cyclopcam/sentry/server/configdb"
)

func main() {
	parser := argparse.NewParser("sentry", "Camera detection orchestrator and stream relay")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file (JSON)", Default: "sentry.json"})
	seedUser := parser.String("", "seed-user", &argparse.Options{Help: "Create this admin user if no users exist", Default: ""})
	seedPassword := parser.String("", "seed-password", &argparse.Options{Help: "Password for --seed-user", Default: ""})
	noResume := parser.Flag("", "no-resume", &argparse.Options{Help: "Do not restart detection for cameras that were active at last shutdown", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	if *seedUser != "" {
		if _, err := srv.SeedInitialUser(*seedUser, *seedPassword, configdb.UserPermissionAdmin); err != nil {
			logger.Errorf("Failed to seed user: %v", err)
			os.Exit(1)
		}
	}

	if !*noResume {
		srv.ResumeActiveCameras(context.Background())
	}

	srv.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.ListenHTTP(srv.HTTPPort()); err != nil {
		logger.Errorf("ListenHTTP returned: %v", err)
		os.Exit(1)
	}
}
