package archive

import (
	"context"
	"fmt"
	"os"

	"github.com/sqcore/sqdeploy/internal/config"
	"github.com/sqcore/sqdeploy/internal/shell"
)

// SevenZip packs with an external 7-Zip executable
type SevenZip struct {
	tool       string
	remoteTool string
	runner     shell.Runner
}

// Create runs "7z a <archive> -spf2 @<list>" in dir. The list file keeps
// the command line short no matter how many files are deployed.
func (s *SevenZip) Create(ctx context.Context, dir, listFile, archivePath string) error {
	if _, err := s.runner.LookPath(s.tool); err != nil {
		return err
	}

	// 7z appends to an existing archive
	if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale archive: %w", err)
	}

	if _, err := s.runner.Run(ctx, dir, s.tool, "a", archivePath, "-spf2", "@"+listFile); err != nil {
		return fmt.Errorf("failed to create 7z archive: %w", err)
	}
	if _, err := os.Stat(archivePath); err != nil {
		return fmt.Errorf("7z did not produce %s: %w", archivePath, err)
	}
	return nil
}

// ExtractCommand returns "7z x '<archive>'"
func (s *SevenZip) ExtractCommand(archive string) string {
	return s.remoteTool + " x " + shell.Quote(archive)
}

// Format returns "7z"
func (s *SevenZip) Format() string {
	return config.Format7z
}
