package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/mecaflow/internal/config"
)

// daemonAddr returns the base URL of the local daemon
func daemonAddr() string {
	cfg, err := config.LoadLocalConfig()
	if err != nil {
		cfg = config.DefaultLocalConfig()
	}
	return fmt.Sprintf("http://%s:%d", cfg.Daemon.Bind, cfg.Daemon.Port)
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the mecaflow daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			addr := daemonAddr()
			if isRunning(addr) {
				fmt.Fprintln(out, "✓ Daemon is already running")
				return nil
			}

			dataDir, err := config.EnsureDataDir()
			if err != nil {
				return fmt.Errorf("setup data directory: %w", err)
			}
			bin, err := findDaemonBinary()
			if err != nil {
				return fmt.Errorf("find daemon binary: %w", err)
			}

			proc := exec.Command(bin)
			proc.Dir = dataDir
			configureDaemonProcess(proc)
			if err := proc.Start(); err != nil {
				return fmt.Errorf("start daemon: %w", err)
			}

			fmt.Fprint(out, "Starting daemon...")
			for range 30 {
				time.Sleep(100 * time.Millisecond)
				if isRunning(addr) {
					fmt.Fprintln(out, " ✓")
					fmt.Fprintf(out, "Daemon running at %s\n", addr)
					return nil
				}
				fmt.Fprint(out, ".")
			}
			fmt.Fprintln(out, " ✗")
			return fmt.Errorf("daemon failed to start (check logs with 'mecaflow logs')")
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the mecaflow daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			addr := daemonAddr()
			if !isRunning(addr) {
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}

			pid, err := readPID()
			if err != nil {
				return err
			}
			process, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("find process: %w", err)
			}

			fmt.Fprint(out, "Stopping daemon...")
			if err := process.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("send signal: %w", err)
			}
			for range 50 {
				time.Sleep(100 * time.Millisecond)
				if !isRunning(addr) {
					fmt.Fprintln(out, " ✓")
					return nil
				}
				fmt.Fprint(out, ".")
			}
			fmt.Fprintln(out, " ✗")
			return fmt.Errorf("daemon did not stop gracefully")
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			addr := daemonAddr()
			if !isRunning(addr) {
				fmt.Fprintln(out, "Status: stopped")
				return nil
			}

			resp, err := http.Get(addr + "/v1/status")
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}
			defer resp.Body.Close()

			var status struct {
				Status        string `json:"status"`
				Version       string `json:"version"`
				Backend       string `json:"backend"`
				SessionStore  string `json:"session_store"`
				History       bool   `json:"history"`
				Queue         bool   `json:"queue"`
				Authenticated bool   `json:"authenticated"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("parse status: %w", err)
			}

			fmt.Fprintf(out, "Status:        %s\n", status.Status)
			fmt.Fprintf(out, "Version:       %s\n", status.Version)
			fmt.Fprintf(out, "Backend:       %s\n", status.Backend)
			fmt.Fprintf(out, "Session store: %s\n", status.SessionStore)
			fmt.Fprintf(out, "History:       %s\n", onOff(status.History))
			fmt.Fprintf(out, "Queue:         %s\n", onOff(status.Queue))
			fmt.Fprintf(out, "Signed in:     %t\n", status.Authenticated)
			fmt.Fprintf(out, "Address:       %s\n", addr)
			return nil
		},
	}
}

func newLogsCmd() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the last daemon log lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := config.DataDir()
			if err != nil {
				return err
			}
			f, err := os.Open(filepath.Join(dataDir, "logs", "mecaflowd.log"))
			if os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "No log file found. Start the daemon first.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer f.Close()

			var tail []string
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				tail = append(tail, scanner.Text())
				if len(tail) > lines {
					tail = tail[1:]
				}
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read log file: %w", err)
			}
			for _, line := range tail {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to show")
	return cmd
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func readPID() (int, error) {
	dataDir, err := config.DataDir()
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(filepath.Join(dataDir, pidFile))
	if err != nil {
		return 0, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID: %w", err)
	}
	return pid, nil
}

// isRunning checks if the daemon is running by calling the health endpoint
func isRunning(addr string) bool {
	client := http.Client{Timeout: time.Second}
	resp, err := client.Get(addr + "/v1/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// findDaemonBinary locates the mecaflowd binary
func findDaemonBinary() (string, error) {
	if path, err := exec.LookPath("mecaflowd"); err == nil {
		return path, nil
	}

	if self, err := os.Executable(); err == nil {
		path := filepath.Join(filepath.Dir(self), "mecaflowd")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	for _, path := range []string{"/usr/local/bin/mecaflowd", "./mecaflowd"} {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("mecaflowd binary not found (build with 'go build ./cmd/mecaflowd')")
}
