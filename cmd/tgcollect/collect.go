package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tgcollect/pkg/auth"
	"tgcollect/pkg/config"
	"tgcollect/pkg/engine"
	"tgcollect/pkg/logger"
	"tgcollect/pkg/models"
)

var (
	collectCount     int
	collectResumeAll bool
)

var collectCmd = &cobra.Command{
	Use:   "collect [target]",
	Short: "Collect group members from a target",
	Long: `Collect starts the engine and crawls the target group or channel's
member list until the desired count is reached or the list is exhausted.

Without a target, only previously interrupted jobs are resumed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCollect,
}

func init() {
	collectCmd.Flags().IntVarP(&collectCount, "count", "n", 1000, "desired number of member records")
	collectCmd.Flags().BoolVar(&collectResumeAll, "resume", true, "resume interrupted jobs")
	rootCmd.AddCommand(collectCmd)
}

func runCollect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.GetLogger()

	eng, err := engine.New(cfg, log)
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var watched []string
	if collectResumeAll {
		for _, id := range eng.Jobs() {
			st, err := eng.JobStatus(id)
			if err != nil {
				continue
			}
			if st.State == models.JobPaused {
				if err := eng.ResumeJob(id); err != nil {
					log.WithError(err).WithField("job_id", id).Warn("Failed to resume job")
					continue
				}
				watched = append(watched, id)
			}
		}
	}

	if len(args) == 1 {
		jobID, err := eng.StartJob(args[0], collectCount)
		if err != nil {
			return fmt.Errorf("submitting job: %w", err)
		}
		fmt.Printf("Job %s started for %s (target %d records)\n", jobID, args[0], collectCount)
		watched = append(watched, jobID)
	}

	if len(watched) == 0 {
		fmt.Println("Nothing to do: no target given and no interrupted jobs.")
		return nil
	}

	// Periodic session backups while the engine runs.
	keeper := sessionBackupKeeper(log)
	if keeper != nil {
		go func() { _ = keeper.Run(ctx) }()
	}

	runErr := make(chan error, 1)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() { runErr <- eng.Run(runCtx) }()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted; jobs will resume on the next run.")
			cancelRun()
			<-runErr
			return nil
		case err := <-runErr:
			return err
		case <-ticker.C:
			done := 0
			for _, id := range watched {
				st, err := eng.JobStatus(id)
				if err != nil {
					done++
					continue
				}
				switch st.State {
				case models.JobCompleted:
					done++
				case models.JobFailed:
					fmt.Printf("Job %s failed: %s\n", id, st.LastError)
					done++
				default:
					fmt.Printf("Job %s: %d/%d records (%d pages)\n", id, st.CommittedCount, st.DesiredCount, st.CommittedPages)
				}
			}
			if done == len(watched) {
				cancelRun()
				<-runErr
				for _, id := range watched {
					if st, err := eng.JobStatus(id); err == nil && st.State == models.JobCompleted {
						fmt.Printf("Job %s completed: %d records\n", id, st.CommittedCount)
					}
				}
				return nil
			}
		}
	}
}

// loadConfig loads configuration, initializes logging, and fills in
// credentials from the session store for accounts the config lists
// without one.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := logger.Initialize(&cfg.Logging); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	needsLookup := false
	for _, a := range cfg.Accounts {
		if a.Credential == "" {
			needsLookup = true
		}
	}
	if needsLookup {
		manager, err := auth.NewManager()
		if err != nil {
			return nil, fmt.Errorf("opening session store: %w", err)
		}
		for i, a := range cfg.Accounts {
			if a.Credential != "" {
				continue
			}
			session, err := manager.Retrieve(a.ID)
			if err != nil {
				return nil, fmt.Errorf("no session credential for account %s: add one with 'tgcollect accounts add %s'", a.ID, a.ID)
			}
			cfg.Accounts[i].Credential = session.Credential
		}
	}
	return cfg, nil
}
