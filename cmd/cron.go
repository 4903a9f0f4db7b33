package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/automate/internal/cron"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(cronListCmd(), cronAddCmd(), cronRemoveCmd(), cronEnableCmd(true), cronEnableCmd(false))
	return cmd
}

// openScheduler loads the persisted jobs without starting the tick loop.
func openScheduler() (*cron.Scheduler, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return cron.NewScheduler(cfg.Cron.Directory, nil), nil
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			sched, err := openScheduler()
			if err != nil {
				fail(err)
			}
			jobs := sched.ListJobs()
			if len(jobs) == 0 {
				fmt.Println("No jobs scheduled.")
				return
			}
			for _, j := range jobs {
				state := "enabled"
				if !j.Enabled {
					state = "disabled"
				}
				next := "-"
				if j.NextRun != nil {
					next = j.NextRun.Local().Format(time.RFC3339)
				}
				fmt.Printf("%s  %-20s %-8s %-9s next=%s runs=%d\n", j.ID, j.Name, j.Schedule.Type, state, next, j.RunCount)
			}
		},
	}
}

func cronAddCmd() *cobra.Command {
	var (
		at    string
		every time.Duration
		expr  string
	)
	cmd := &cobra.Command{
		Use:   "add <name> <prompt>",
		Short: "Add a job (one of --at, --every, --cron required)",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			var schedule cron.Schedule
			var err error
			switch {
			case at != "":
				schedule, err = cron.Once(at)
			case every > 0:
				schedule = cron.Every(every)
			case expr != "":
				schedule = cron.Expr(expr)
			default:
				err = fmt.Errorf("one of --at, --every, --cron is required")
			}
			if err != nil {
				fail(err)
			}

			sched, err := openScheduler()
			if err != nil {
				fail(err)
			}
			job, err := sched.AddJob(cron.JobSpec{Name: args[0], Prompt: args[1], Schedule: schedule})
			if err != nil {
				fail(err)
			}
			fmt.Printf("Added job %s (%s)\n", job.Name, job.ID)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "one-shot RFC 3339 timestamp")
	cmd.Flags().DurationVar(&every, "every", 0, "fixed interval, e.g. 30m")
	cmd.Flags().StringVar(&expr, "cron", "", "5-field cron expression")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sched, err := openScheduler()
			if err != nil {
				fail(err)
			}
			if !sched.RemoveJob(args[0]) {
				fail(fmt.Errorf("no job with id %s", args[0]))
			}
			fmt.Println("Removed.")
		},
	}
}

func cronEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <id>", "Enable a job"
	if !enable {
		use, short = "disable <id>", "Disable a job"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sched, err := openScheduler()
			if err != nil {
				fail(err)
			}
			ok := false
			if enable {
				ok = sched.EnableJob(args[0])
			} else {
				ok = sched.DisableJob(args[0])
			}
			if !ok {
				fail(fmt.Errorf("no job with id %s", args[0]))
			}
			fmt.Println("Done.")
		},
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
