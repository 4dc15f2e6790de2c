// Package svc installs and runs replimesh as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// RunFlag marks a process started by the service manager.
const RunFlag = "--service-run"

// RunFunc runs the instance until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program adapts a RunFunc to service.Interface.
type Program struct {
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start launches the instance in the background; the service manager requires Start
// to return promptly.
func (p *Program) Start(_ service.Service) error {
	if p.Run == nil {
		return errors.New("no run function configured")
	}
	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)
	go func() {
		p.done <- p.Run(ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels the instance and waits for it to drain its queues.
func (p *Program) Stop(_ service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes the installed service.
type Config struct {
	Name       string
	ConfigPath string
	UserName   string // Linux/macOS only
}

// DefaultName is the service name used when none is given.
const DefaultName = "replimesh"

// DefaultConfigPath returns the platform's default configuration file.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "replimesh", "replimesh.yaml")
	}
	return "/etc/replimesh/replimesh.yaml"
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Name == "" {
		out.Name = DefaultName
	}
	if out.ConfigPath == "" {
		out.ConfigPath = DefaultConfigPath()
	}
	return &out
}

// ServiceConfig builds the kardianos/service configuration for cfg.
func ServiceConfig(cfg *Config) *service.Config {
	cfg = cfg.withDefaults()
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: "replimesh replication instance",
		Description: "Federated document replication endpoint and delivery queues",
		Arguments:   []string{RunFlag, "service", "run", "--config", cfg.ConfigPath},
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return svcCfg
}

func newService(prg *Program, cfg *Config) (service.Service, error) {
	s, err := service.New(prg, ServiceConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install registers the service with the service manager. An existing installation is
// replaced only when force is set.
func Install(cfg *Config, force bool) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.withDefaults().Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg *Config) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends start, stop or restart to the installed service.
func Control(cfg *Config, action string) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service state as text.
func Status(cfg *Config) (string, error) {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return "unknown", err
	}
	status, err := s.Status()
	if err != nil {
		return "not installed", err
	}
	return StatusString(status), nil
}

// StatusString names a service status.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands control to the service manager until it stops the service.
func Run(prg *Program, cfg *Config) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges fails when the current user cannot manage system services.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether args carry RunFlag.
func IsServiceMode(args []string) bool {
	for _, arg := range args {
		if arg == RunFlag {
			return true
		}
	}
	return false
}
