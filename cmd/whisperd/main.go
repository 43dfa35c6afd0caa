package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mfigueira/whisper/internal/config"
	"github.com/mfigueira/whisper/internal/engine"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "path to engine.toml (default ~/.config/whisper/engine.toml)")
	dataFlag := flag.String("data-dir", "", "data directory override")
	serverFlag := flag.String("server", "", "server websocket URL override")
	flag.Parse()

	cfg, err := resolveConfig(*configFlag, *dataFlag, *serverFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		engine.Module(cfg),
	)

	app.Run()
}

func resolveConfig(path, dataDir, serverURL string) (*config.Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = filepath.Join(home, ".config", "whisper", "engine.toml")
	}

	cfg, err := config.Load(path)
	if os.IsNotExist(err) {
		cfg = config.Default()
	} else if err != nil {
		return nil, err
	}

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(home, ".local", "share", "whisper")
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("no server URL: set server_url in %s or pass -server", path)
	}
	return cfg, nil
}
