package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/steward-bot/steward/pkg/steward/jobs"
	"github.com/steward-bot/steward/pkg/steward/storage"
)

// newJobsCmd creates the `steward jobs` command group.
func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect background jobs",
		Long: `Inspect the background job lane.

Examples:
  steward jobs list
  steward jobs show 42`,
	}

	cmd.AddCommand(newJobsListCmd(), newJobsShowCmd())
	return cmd
}

func openJobStore(cmd *cobra.Command) (*jobs.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	db, err := storage.OpenDatabase(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	return jobs.NewStore(db, buildLogger(cmd, cfg)), nil
}

func newJobsListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openJobStore(cmd)
			if err != nil {
				return err
			}
			list, err := store.List(limit)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No background jobs.")
				return nil
			}
			for _, job := range list {
				fmt.Printf("#%-5d %-9s %-20s %s  %s\n",
					job.ID, job.Status, job.ConversationID,
					job.CreatedAt.Format(time.RFC3339), job.RequestExcerpt)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to list")
	return cmd
}

func newJobsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			store, err := openJobStore(cmd)
			if err != nil {
				return err
			}
			job, err := store.Get(id)
			if err != nil {
				return err
			}

			fmt.Printf("Job #%d\n", job.ID)
			fmt.Printf("  status:       %s\n", job.Status)
			fmt.Printf("  kind:         %s\n", job.Kind)
			fmt.Printf("  conversation: %s\n", job.ConversationID)
			fmt.Printf("  created:      %s\n", job.CreatedAt.Format(time.RFC3339))
			if !job.StartedAt.IsZero() {
				fmt.Printf("  started:      %s\n", job.StartedAt.Format(time.RFC3339))
			}
			if !job.FinishedAt.IsZero() {
				fmt.Printf("  finished:     %s\n", job.FinishedAt.Format(time.RFC3339))
			}
			fmt.Printf("  request:      %s\n", job.RequestExcerpt)
			if job.Result != "" {
				fmt.Printf("  result:\n%s\n", job.Result)
			}
			if job.Error != "" {
				fmt.Printf("  error:        %s\n", job.Error)
			}
			return nil
		},
	}
}
