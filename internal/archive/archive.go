// Package archive packs a deploy manifest into a single file and names the
// command that unpacks it on the server.
package archive

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sqcore/sqdeploy/internal/config"
	"github.com/sqcore/sqdeploy/internal/shell"
)

// Archiver creates deploy archives
type Archiver interface {
	// Create packs the files named in listFile, relative to dir, into archivePath
	Create(ctx context.Context, dir, listFile, archivePath string) error
	// ExtractCommand is the shell command that unpacks archive into the current directory
	ExtractCommand(archive string) string
	// Format returns the archive format name
	Format() string
}

// New returns the archiver for format. tool is the local packer (7z only)
// and remoteTool the program invoked on the server.
func New(format, tool, remoteTool string, runner shell.Runner) (Archiver, error) {
	switch format {
	case config.Format7z:
		if tool == "" {
			tool = "7z"
		}
		if remoteTool == "" {
			remoteTool = "7z"
		}
		return &SevenZip{tool: tool, remoteTool: remoteTool, runner: runner}, nil
	case config.FormatTarZst:
		return &Tar{compression: zstdCompression, remoteTool: remoteTool}, nil
	case config.FormatTarLZ4:
		return &Tar{compression: lz4Compression, remoteTool: remoteTool}, nil
	default:
		return nil, fmt.Errorf("unsupported archive format: %s", format)
	}
}

// readList returns the non-empty lines of a list file
func readList(listFile string) ([]string, error) {
	f, err := os.Open(listFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open list file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			paths = append(paths, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read list file: %w", err)
	}
	return paths, nil
}
