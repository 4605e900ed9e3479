package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/mattn/go-sqlite3"
)

// CopyStrategy copies a cookie database from src to dst without corrupting
// either side. Strategies are tried in order; the first that succeeds wins.
type CopyStrategy interface {
	Name() string
	Copy(ctx context.Context, src, dst string) error
}

// defaultStrategies is the tier order: embedded online backup, external CLI
// backup, raw file copy.
func defaultStrategies() []CopyStrategy {
	return []CopyStrategy{
		sqliteBackupStrategy{},
		sqliteCLIStrategy{},
		fileCopyStrategy{},
	}
}

// sqliteBackupStrategy uses the sqlite online backup API through the
// embedded driver. Safe even while the source database is open by a
// running browser.
type sqliteBackupStrategy struct{}

func (sqliteBackupStrategy) Name() string { return "better-sqlite3" }

func (sqliteBackupStrategy) Copy(ctx context.Context, src, dst string) error {
	srcDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", src))
	if err != nil {
		return fmt.Errorf("open source db: %w", err)
	}
	defer srcDB.Close()

	dstDB, err := sql.Open("sqlite3", dst)
	if err != nil {
		return fmt.Errorf("open destination db: %w", err)
	}
	defer dstDB.Close()

	srcConn, err := srcDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("source conn: %w", err)
	}
	defer srcConn.Close()

	dstConn, err := dstDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("destination conn: %w", err)
	}
	defer dstConn.Close()

	return dstConn.Raw(func(rawDst any) error {
		return srcConn.Raw(func(rawSrc any) error {
			d, ok := rawDst.(*sqlite3.SQLiteConn)
			if !ok {
				return errors.New("destination is not a sqlite3 connection")
			}
			s, ok := rawSrc.(*sqlite3.SQLiteConn)
			if !ok {
				return errors.New("source is not a sqlite3 connection")
			}

			bk, err := d.Backup("main", s, "main")
			if err != nil {
				return fmt.Errorf("init backup: %w", err)
			}
			defer bk.Finish()

			done, err := bk.Step(-1)
			if err != nil {
				return fmt.Errorf("backup step: %w", err)
			}
			if !done {
				return errors.New("backup did not run to completion")
			}
			return nil
		})
	})
}

// sqliteCLIStrategy shells out to the sqlite3 binary's .backup command.
// The binary is looked up on PATH; its absence just fails this tier.
type sqliteCLIStrategy struct{}

func (sqliteCLIStrategy) Name() string { return "sqlite3-cli" }

func (sqliteCLIStrategy) Copy(ctx context.Context, src, dst string) error {
	bin, err := exec.LookPath("sqlite3")
	if err != nil {
		return fmt.Errorf("sqlite3 binary not found: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, src, fmt.Sprintf(".backup '%s'", dst))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("sqlite3 .backup failed: %w: %s", err, string(out))
	}
	return nil
}

// fileCopyStrategy copies the primary database file only. WAL, SHM, and
// journal side files are never copied: copying them without the main file
// risks an inconsistent destination. Any stale side files left at the
// destination from a previous run are deleted afterward so the copy is not
// misread as containing uncommitted writes.
type fileCopyStrategy struct{}

func (fileCopyStrategy) Name() string { return "file-copy" }

func (fileCopyStrategy) Copy(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("flush destination: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace destination: %w", err)
	}

	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		if err := os.Remove(dst + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale %s: %w", suffix, err)
		}
	}
	return nil
}
