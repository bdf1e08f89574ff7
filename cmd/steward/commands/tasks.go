package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/steward-bot/steward/pkg/steward/scheduler"
	"github.com/steward-bot/steward/pkg/steward/storage"
)

// newTasksCmd creates the `steward tasks` command group.
func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage scheduled tasks",
		Long: `Inspect and manage scheduled tasks in the steward database.

Examples:
  steward tasks list
  steward tasks add --name standup --cron "0 9 * * 1-5" --to telegram:12345 "Remind me about standup"
  steward tasks rm 2f9c...
  steward tasks disable 2f9c...`,
	}

	cmd.AddCommand(
		newTasksListCmd(),
		newTasksAddCmd(),
		newTasksRmCmd(),
		newTasksToggleCmd("enable", true),
		newTasksToggleCmd("disable", false),
	)
	return cmd
}

// openTaskStore opens the database from config and returns the task store.
func openTaskStore(cmd *cobra.Command) (*scheduler.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	db, err := storage.OpenDatabase(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	return scheduler.NewStore(db, buildLogger(cmd, cfg)), nil
}

func newTasksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openTaskStore(cmd)
			if err != nil {
				return err
			}
			tasks, err := store.List()
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No scheduled tasks.")
				return nil
			}
			for _, task := range tasks {
				state := "enabled"
				if !task.Enabled {
					state = "disabled"
				}
				fmt.Printf("%s  %-20s  %-16s  %s  next=%s  to=%s\n",
					task.ID, task.Name, task.CronExpression, state,
					task.NextRun.Format(time.RFC3339), task.ConversationID)
			}
			return nil
		},
	}
}

func newTasksAddCmd() *cobra.Command {
	var name, cronExpr, conversation string

	cmd := &cobra.Command{
		Use:   "add <prompt>",
		Short: "Add a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openTaskStore(cmd)
			if err != nil {
				return err
			}
			task, err := store.Create(name, cronExpr, args[0], conversation)
			if err != nil {
				return err
			}
			fmt.Printf("Task %s created, next run %s\n",
				task.ID, task.NextRun.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression (5 fields)")
	cmd.Flags().StringVar(&conversation, "to", "", "target conversation (channel:chat)")
	cmd.MarkFlagRequired("cron")
	cmd.MarkFlagRequired("to")
	return cmd
}

func newTasksRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openTaskStore(cmd)
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Task %s deleted\n", args[0])
			return nil
		},
	}
}

func newTasksToggleCmd(use string, enabled bool) *cobra.Command {
	short := "Enable a scheduled task"
	if !enabled {
		short = "Disable a scheduled task"
	}
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openTaskStore(cmd)
			if err != nil {
				return err
			}
			if err := store.SetEnabled(args[0], enabled); err != nil {
				return err
			}
			fmt.Printf("Task %s %sd\n", args[0], use)
			return nil
		},
	}
}
