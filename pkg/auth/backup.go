package auth

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"tgcollect/pkg/logger"
)

const backupTimeFormat = "20060102T150405Z"

// BackupKeeper snapshots the encrypted session file into timestamped
// copies so a corrupted or accidentally wiped store can be restored.
type BackupKeeper struct {
	sourcePath string
	backupDir  string
	keep       int
	interval   time.Duration
	log        logger.Logger
}

// NewBackupKeeper creates a keeper for the given encrypted store file.
// keep bounds how many snapshots are retained (oldest pruned first).
func NewBackupKeeper(sourcePath, backupDir string, keep int, interval time.Duration, log logger.Logger) *BackupKeeper {
	if keep <= 0 {
		keep = 5
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &BackupKeeper{
		sourcePath: sourcePath,
		backupDir:  backupDir,
		keep:       keep,
		interval:   interval,
		log:        log,
	}
}

// Backup takes one snapshot now. A missing source file is not an error;
// there is simply nothing to protect yet.
func (b *BackupKeeper) Backup() (string, error) {
	src, err := os.Open(b.sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("opening session store: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(b.backupDir, 0700); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}

	name := fmt.Sprintf("sessions_%s.enc", time.Now().UTC().Format(backupTimeFormat))
	dstPath := filepath.Join(b.backupDir, name)

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("creating backup file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", fmt.Errorf("copying session store: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("closing backup file: %w", err)
	}

	if err := b.prune(); err != nil {
		b.log.WithError(err).Warn("Failed to prune old session backups")
	}

	b.log.InfoWithFields("Session store backed up", map[string]interface{}{
		"path": dstPath,
	})
	return dstPath, nil
}

// RestoreLatest copies the newest snapshot back over the source path.
func (b *BackupKeeper) RestoreLatest() error {
	backups, err := b.list()
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return fmt.Errorf("no session backups in %s", b.backupDir)
	}
	latest := backups[len(backups)-1]

	src, err := os.Open(latest)
	if err != nil {
		return fmt.Errorf("opening backup: %w", err)
	}
	defer src.Close()

	tmp := b.sourcePath + ".restore"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating restore file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("copying backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing restore file: %w", err)
	}
	if err := os.Rename(tmp, b.sourcePath); err != nil {
		return fmt.Errorf("replacing session store: %w", err)
	}

	b.log.InfoWithFields("Session store restored", map[string]interface{}{
		"from": latest,
	})
	return nil
}

// Run takes periodic snapshots until the context ends.
func (b *BackupKeeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.Backup(); err != nil {
				b.log.WithError(err).Warn("Periodic session backup failed")
			}
		}
	}
}

// list returns snapshot paths sorted oldest first. The timestamp format
// sorts lexically.
func (b *BackupKeeper) list() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(b.backupDir, "sessions_*.enc"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (b *BackupKeeper) prune() error {
	backups, err := b.list()
	if err != nil {
		return err
	}
	for len(backups) > b.keep {
		if err := os.Remove(backups[0]); err != nil {
			return err
		}
		backups = backups[1:]
	}
	return nil
}
