package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/stokkr/foreman/internal/control"
)

var controlRepoPath string

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause admission in a running foreman",
	Long: `pause drops a sentinel file in the control directory of a running
foreman. Admission of new items stops; in-flight items run to
completion. Use resume to continue.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		path := sentinelPath(control.PauseSentinel)
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return fmt.Errorf("writing pause sentinel: %w", err)
		}
		fmt.Println("Paused. Run 'foreman resume' to continue.")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume admission in a paused foreman",
	RunE: func(_ *cobra.Command, _ []string) error {
		path := sentinelPath(control.PauseSentinel)
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				fmt.Println("Not paused.")
				return nil
			}
			return fmt.Errorf("removing pause sentinel: %w", err)
		}
		fmt.Println("Resumed.")
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Request cooperative shutdown of a running foreman",
	Long: `stop drops a sentinel file that asks a running foreman to finish the
current admission round and exit. Queued merges are resolved as
shutdown; in-flight merges complete first.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		path := sentinelPath(control.StopSentinel)
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return fmt.Errorf("writing stop sentinel: %w", err)
		}
		fmt.Println("Stop requested.")
		return nil
	},
}

func sentinelPath(name string) string {
	dir := filepath.Join(controlRepoPath, ".foreman", "control")
	_ = os.MkdirAll(dir, 0o755)
	return filepath.Join(dir, name)
}

func init() {
	for _, c := range []*cobra.Command{pauseCmd, resumeCmd, stopCmd} {
		c.Flags().StringVar(&controlRepoPath, "repo", ".",
			"trunk repository path")
		rootCmd.AddCommand(c)
	}
}
