package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tgcollect/pkg/auth"
	"tgcollect/pkg/logger"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage account session credentials",
	Long: `Manage the session credentials identities use to authenticate.
Credentials are stored in the system keychain when available, falling
back to an encrypted file.`,
}

var accountsAddCmd = &cobra.Command{
	Use:   "add <account-id>",
	Short: "Store a session credential for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID := strings.TrimSpace(args[0])

		fmt.Print("Session credential (input hidden): ")
		credential, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("reading credential: %w", err)
		}
		if len(credential) == 0 {
			return fmt.Errorf("credential must not be empty")
		}

		manager, err := auth.NewManager()
		if err != nil {
			return fmt.Errorf("opening session store: %w", err)
		}
		if err := manager.Store(&auth.Session{
			AccountID:  accountID,
			Credential: string(credential),
		}); err != nil {
			return err
		}

		fmt.Printf("Session stored for account %s\n", accountID)
		return nil
	},
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts with stored sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := auth.NewManager()
		if err != nil {
			return fmt.Errorf("opening session store: %w", err)
		}
		sessions, err := manager.List()
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No stored sessions.")
			return nil
		}
		for _, s := range sessions {
			masked := auth.Sanitize(s)
			fmt.Printf("%-20s %s  (updated %s)\n", masked.AccountID, masked.Credential,
				masked.LastModified.Format(time.RFC3339))
		}
		return nil
	},
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <account-id>",
	Short: "Delete an account's stored session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := auth.NewManager()
		if err != nil {
			return fmt.Errorf("opening session store: %w", err)
		}
		if err := manager.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Session removed for account %s\n", args[0])
		return nil
	},
}

var accountsBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the encrypted session store",
	RunE: func(cmd *cobra.Command, args []string) error {
		keeper := sessionBackupKeeper(logger.GetLogger())
		if keeper == nil {
			return fmt.Errorf("no session store to back up")
		}
		path, err := keeper.Backup()
		if err != nil {
			return err
		}
		if path == "" {
			fmt.Println("No session store yet; nothing to back up.")
			return nil
		}
		fmt.Printf("Backup written to %s\n", path)
		return nil
	},
}

var accountsRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the session store from the latest backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		keeper := sessionBackupKeeper(logger.GetLogger())
		if keeper == nil {
			return fmt.Errorf("no session store configured")
		}
		if err := keeper.RestoreLatest(); err != nil {
			return err
		}
		fmt.Println("Session store restored from latest backup.")
		return nil
	},
}

func init() {
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
	accountsCmd.AddCommand(accountsBackupCmd)
	accountsCmd.AddCommand(accountsRestoreCmd)
	rootCmd.AddCommand(accountsCmd)
}

// sessionBackupKeeper builds the backup keeper for the default session
// store location, or nil when the config directory is unavailable.
func sessionBackupKeeper(log logger.Logger) *auth.BackupKeeper {
	storePath, err := auth.DefaultStorePath()
	if err != nil {
		return nil
	}
	return auth.NewBackupKeeper(
		storePath,
		filepath.Join(filepath.Dir(storePath), "backups"),
		5,
		time.Hour,
		log,
	)
}
