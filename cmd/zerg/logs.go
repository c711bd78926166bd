package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cuemby/zerg/pkg/config"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs <worker_id>",
	Short: "Print (optionally follow) a worker's subprocess log",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().String("feature", "", "Feature name (required)")
	logsCmd.Flags().BoolP("follow", "f", false, "Follow the log as it grows")
}

func runLogs(cmd *cobra.Command, args []string) error {
	feature, _ := cmd.Flags().GetString("feature")
	follow, _ := cmd.Flags().GetBool("follow")
	if feature == "" {
		return fmt.Errorf("--feature is required")
	}
	workerID, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("worker_id must be an integer: %w", err)
	}

	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logPath := filepath.Join(cfg.Logging.Directory, feature, fmt.Sprintf("worker-%d.log", workerID))

	f, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", logPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(os.Stdout, f); err != nil {
		return err
	}
	if !follow {
		return nil
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			fmt.Print(line)
		}
		if err != nil {
			time.Sleep(500 * time.Millisecond)
		}
	}
}
