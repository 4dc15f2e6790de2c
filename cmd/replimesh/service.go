package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/replimesh/replimesh/internal/svc"
)

var (
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the replimesh system service",
		Long: `Install, control, and manage replimesh as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo replimesh service install --config /etc/replimesh/replimesh.yaml
  sudo replimesh service start
  sudo replimesh service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "service name (default: replimesh)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install replimesh as a system service",
		Long: `Install replimesh as a system service that starts automatically at boot.

Requires administrator/root privileges.`,
		Args: cobra.NoArgs,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the replimesh system service",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg := serviceConfig()
			if err := svc.Uninstall(cfg); err != nil {
				return err
			}
			fmt.Printf("Service %q uninstalled.\n", cfg.Name)
			return nil
		},
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the replimesh service", action),
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				cfg := serviceConfig()
				log.Info().Str("name", cfg.Name).Str("action", action).Msg("controlling service")
				if err := svc.Control(cfg, action); err != nil {
					return err
				}
				fmt.Printf("Service %q: %s done.\n", cfg.Name, action)
				return nil
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the replimesh service status",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg := serviceConfig()
			status, err := svc.Status(cfg)
			fmt.Printf("Service: %s\n", cfg.Name)
			fmt.Printf("Status:  %s\n", status)
			fmt.Printf("Config:  %s\n", cfg.ConfigPath)
			if err != nil {
				fmt.Printf("Error:   %v\n", err)
			}
			return nil
		},
	})

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run under the service manager (or in the foreground)",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg := serviceConfig()
			return svc.Run(&svc.Program{ConfigPath: cfg.ConfigPath, Run: runServe}, cfg)
		},
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View the replimesh service logs",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return svc.ViewLogs(svc.LogOptions{
				ServiceName: serviceConfig().Name,
				Follow:      logsFollow,
				Lines:       logsLines,
			})
		},
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func serviceConfig() *svc.Config {
	name := serviceName
	if name == "" {
		name = svc.DefaultName
	}
	configPath := cfgFile
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}
	return &svc.Config{Name: name, ConfigPath: configPath, UserName: serviceUser}
}

func runServiceInstall(*cobra.Command, []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := serviceConfig()

	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate the config file first or specify a different path with --config", cfg.ConfigPath)
	}
	if _, err := loadConfig(cfg.ConfigPath); err != nil {
		return err
	}

	log.Info().
		Str("name", cfg.Name).
		Str("config", cfg.ConfigPath).
		Msg("installing service")

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	fmt.Printf("Service %q installed.\n", cfg.Name)
	fmt.Printf("\nTo start the service:\n")
	fmt.Printf("  replimesh service start --name %s\n", cfg.Name)
	fmt.Printf("\nTo view logs:\n")
	fmt.Printf("  replimesh service logs --name %s\n", cfg.Name)
	return nil
}
