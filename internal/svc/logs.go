package svc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions selects which service logs to show.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// LogCommand returns the command that prints the service logs on this platform.
func LogCommand(opts LogOptions) (*exec.Cmd, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultName
	}
	if opts.Lines <= 0 {
		opts.Lines = 50
	}

	switch runtime.GOOS {
	case "linux":
		args := []string{"-u", opts.ServiceName, "-n", strconv.Itoa(opts.Lines), "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return exec.Command("journalctl", args...), nil
	case "darwin":
		// launchd writes the service output to files under /var/log
		args := []string{"-n", strconv.Itoa(opts.Lines)}
		if opts.Follow {
			args = append(args, "-f")
		}
		args = append(args,
			fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName),
			fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName))
		return exec.Command("tail", args...), nil
	default:
		return nil, fmt.Errorf("log viewing not supported on %s; check the system event log for source %q", runtime.GOOS, opts.ServiceName)
	}
}

// ViewLogs prints the service logs to stdout.
func ViewLogs(opts LogOptions) error {
	cmd, err := LogCommand(opts)
	if err != nil {
		return err
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}
