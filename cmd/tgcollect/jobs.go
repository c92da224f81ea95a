package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tgcollect/pkg/config"
	"tgcollect/pkg/logger"
	"tgcollect/pkg/models"
	"tgcollect/pkg/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage collection jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		jobs, err := st.ListJobs()
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs.")
			return nil
		}
		fmt.Printf("%-36s  %-9s  %-24s  %s\n", "ID", "STATE", "TARGET", "PROGRESS")
		for _, j := range jobs {
			fmt.Printf("%-36s  %-9s  %-24s  %d/%d records, %d pages\n",
				j.ID, j.State, j.Target, j.CommittedCount, j.DesiredCount, j.CommittedPages)
		}
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job's details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		job, err := st.GetJob(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("ID:        %s\n", job.ID)
		fmt.Printf("Target:    %s\n", job.Target)
		fmt.Printf("State:     %s\n", job.State)
		fmt.Printf("Progress:  %d/%d records across %d pages\n", job.CommittedCount, job.DesiredCount, job.CommittedPages)
		fmt.Printf("Cursor:    %s\n", job.Cursor)
		if job.LastError != "" {
			fmt.Printf("LastError: %s\n", job.LastError)
		}
		fmt.Printf("Created:   %s\n", job.CreatedAt)
		fmt.Printf("Updated:   %s\n", job.UpdatedAt)
		return nil
	},
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Mark a failed job for resumption on the next collect run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		job, err := st.GetJob(args[0])
		if err != nil {
			return err
		}
		switch job.State {
		case models.JobFailed, models.JobPaused:
		default:
			return fmt.Errorf("job %s is %s; only failed or paused jobs can be marked for resumption", job.ID, job.State)
		}
		if err := st.SetJobState(job.ID, models.JobPaused, ""); err != nil {
			return err
		}
		fmt.Printf("Job %s will resume from page %d on the next collect run.\n", job.ID, job.CommittedPages+1)
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsResumeCmd)
	rootCmd.AddCommand(jobsCmd)
}

// openStore loads config and opens the durable store for offline
// inspection commands.
func openStore() (*store.Store, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := logger.Initialize(&cfg.Logging); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	st, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}
