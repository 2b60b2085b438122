package main

import (
	"os"
	"os/exec"

	"github.com/joho/godotenv"

	appconfig "github.com/voicereach-ai/voicereach/internal/config"
	"github.com/voicereach-ai/voicereach/internal/mcpproxy"
	"github.com/voicereach-ai/voicereach/pkg/logging"
)

// Stdout carries protocol messages, so everything else (logs included)
// goes to stderr.
func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.NewWithWriter(cfg.LogLevel, os.Stderr)

	argv := cfg.SubordinateArgs()
	if len(argv) == 0 {
		logger.Error("SUBORDINATE_COMMAND is empty")
		os.Exit(1)
	}

	child := exec.Command(argv[0], argv[1:]...)
	child.Env = os.Environ()
	child.Stderr = os.Stderr

	childIn, err := child.StdinPipe()
	if err != nil {
		logger.Error("failed to open subordinate stdin", "error", err)
		os.Exit(1)
	}
	childOut, err := child.StdoutPipe()
	if err != nil {
		logger.Error("failed to open subordinate stdout", "error", err)
		os.Exit(1)
	}
	if err := child.Start(); err != nil {
		logger.Error("failed to start subordinate", "error", err, "command", argv[0])
		os.Exit(1)
	}
	logger.Info("subordinate started", "command", cfg.SubordinateCommand, "pid", child.Process.Pid)

	orchestrator, err := mcpproxy.NewOrchestratorClient(mcpproxy.OrchestratorConfig{
		BaseURL: cfg.OrchestratorURL,
	})
	if err != nil {
		logger.Error("failed to build orchestrator client", "error", err)
		os.Exit(1)
	}

	proxy, err := mcpproxy.NewProxy(mcpproxy.ProxyConfig{
		ClientIn:     os.Stdin,
		ClientOut:    os.Stdout,
		ChildIn:      childIn,
		ChildOut:     childOut,
		Orchestrator: orchestrator,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to build proxy", "error", err)
		os.Exit(1)
	}

	runErr := proxy.Run()

	// Client stream closed; shut the subordinate down with it.
	_ = childIn.Close()
	_ = child.Wait()

	if runErr != nil {
		logger.Error("proxy exited with error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("proxy exited")
}
