package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/sqcore/sqdeploy/internal/config"
	"github.com/sqcore/sqdeploy/internal/shell"
)

type compression struct {
	format     string
	newWriter  func(w io.Writer) (io.WriteCloser, error)
	extraction func(tarTool, archive string) string
}

var zstdCompression = compression{
	format: config.FormatTarZst,
	newWriter: func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	},
	extraction: func(tarTool, archive string) string {
		return tarTool + " --zstd -xf " + shell.Quote(archive)
	},
}

var lz4Compression = compression{
	format: config.FormatTarLZ4,
	newWriter: func(w io.Writer) (io.WriteCloser, error) {
		zw := lz4.NewWriter(w)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4.Level5)); err != nil {
			return nil, err
		}
		return zw, nil
	},
	extraction: func(tarTool, archive string) string {
		return "lz4 -dc " + shell.Quote(archive) + " | " + tarTool + " -xf -"
	},
}

// Tar packs a compressed tarball in-process, so no local packer is needed
type Tar struct {
	compression compression
	remoteTool  string
}

// Create writes every listed file into a compressed tar at archivePath.
// Entry names keep the list's relative, slash-separated paths.
func (t *Tar) Create(ctx context.Context, dir, listFile, archivePath string) (err error) {
	paths, err := readList(listFile)
	if err != nil {
		return err
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close archive: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(archivePath)
		}
	}()

	cw, err := t.compression.newWriter(out)
	if err != nil {
		return fmt.Errorf("failed to start %s compression: %w", t.compression.format, err)
	}
	tw := tar.NewWriter(cw)

	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(tw, dir, rel); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("failed to finish %s stream: %w", t.compression.format, err)
	}
	return nil
}

func addFile(tw *tar.Writer, dir, rel string) error {
	name := path.Clean(strings.ReplaceAll(rel, `\`, "/"))
	if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
		return fmt.Errorf("list entry escapes the deploy root: %s", rel)
	}

	local := filepath.Join(dir, filepath.FromSlash(name))
	// Stat follows symlinks so linked files are stored as regular content
	info, err := os.Stat(local)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", local, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", local)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to build tar header for %s: %w", name, err)
	}
	hdr.Name = name
	hdr.Uname, hdr.Gname = "", ""
	hdr.Uid, hdr.Gid = 0, 0
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", name, err)
	}

	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	return nil
}

// ExtractCommand returns the tar pipeline for the compression in use
func (t *Tar) ExtractCommand(archive string) string {
	tool := t.remoteTool
	if tool == "" {
		tool = "tar"
	}
	return t.compression.extraction(tool, archive)
}

// Format returns "tar.zst" or "tar.lz4"
func (t *Tar) Format() string {
	return t.compression.format
}
