package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/stokkr/foreman/internal/service"
)

var statusRepoPath string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show counters from the most recent run",
	Long: `status reads the stats snapshot the scheduler persists after each
completed item and prints a summary. It works whether or not a run is
currently active.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRepoPath, "repo", ".",
		"trunk repository path")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	path := filepath.Join(statusRepoPath, ".foreman", "stats.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No run recorded yet.")
			return nil
		}
		return fmt.Errorf("reading stats snapshot: %w", err)
	}

	var snap service.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parsing stats snapshot: %w", err)
	}

	fmt.Printf("Run started:  %s\n", snap.StartedAt.Format(time.RFC3339))
	fmt.Printf("Last update:  %s\n", snap.TakenAt.Format(time.RFC3339))
	fmt.Printf("Completed:    %d\n", snap.Completed)
	fmt.Printf("Failed:       %d\n", snap.Failed)
	fmt.Printf("Attempts:     %d\n", snap.Attempts)
	fmt.Printf("Merges:       %d (%d conflicts)\n", snap.Merges, snap.Conflicts)
	if snap.MaintenanceRuns+snap.MaintenanceSkips > 0 {
		fmt.Printf("Maintenance:  %d runs, %d skipped\n", snap.MaintenanceRuns, snap.MaintenanceSkips)
	}
	if snap.TokensIn+snap.TokensOut > 0 {
		fmt.Printf("Tokens:       %d in / %d out\n", snap.TokensIn, snap.TokensOut)
	}
	if snap.LinesChanged > 0 {
		fmt.Printf("Lines:        %d changed\n", snap.LinesChanged)
	}
	return nil
}
