package archive

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/sqcore/sqdeploy/internal/config"
	"github.com/sqcore/sqdeploy/internal/shell"
)

// fakeRunner records invocations and optionally creates the archive.
type fakeRunner struct {
	calls   [][]string
	dirs    []string
	missing bool
	err     error
	create  bool
}

func (f *fakeRunner) Run(_ context.Context, dir, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	f.dirs = append(f.dirs, dir)
	if f.err != nil {
		return []byte("boom"), f.err
	}
	if f.create && len(args) > 1 {
		if err := os.WriteFile(args[1], []byte("7z"), 0644); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.missing {
		return "", shell.ErrMissingTool
	}
	return "/usr/bin/" + name, nil
}

func writeTree(t *testing.T, files map[string]string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	var list []string
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		list = append(list, rel)
	}
	sort.Strings(list)
	listFile := filepath.Join(dir, "deployList.txt")
	if err := os.WriteFile(listFile, []byte(strings.Join(list, "\n")), 0644); err != nil {
		t.Fatal(err)
	}
	return dir, listFile
}

func readTar(t *testing.T, r io.Reader) map[string]string {
	t.Helper()
	got := map[string]string{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar read failed: %v", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		got[hdr.Name] = string(data)
	}
	return got
}

var sample = map[string]string{
	"wwwroot/a.js":      "console.log(1)",
	"wwwroot/sub/b.css": "body{}",
	"SqCoreWeb.dll":     "MZ",
}

func TestTarZst_Create(t *testing.T) {
	dir, listFile := writeTree(t, sample)
	archivePath := filepath.Join(dir, "deploy.tar.zst")

	a, err := New(config.FormatTarZst, "", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Create(context.Background(), dir, listFile, archivePath); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	zr, err := zstd.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	got := readTar(t, zr)
	if len(got) != len(sample) {
		t.Fatalf("expected %d entries, got %v", len(sample), got)
	}
	for name, content := range sample {
		if got[name] != content {
			t.Errorf("entry %s = %q, want %q", name, got[name], content)
		}
	}
}

func TestTarLZ4_Create(t *testing.T) {
	dir, listFile := writeTree(t, sample)
	archivePath := filepath.Join(dir, "deploy.tar.lz4")

	a, err := New(config.FormatTarLZ4, "", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Create(context.Background(), dir, listFile, archivePath); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	got := readTar(t, lz4.NewReader(f))
	for name, content := range sample {
		if got[name] != content {
			t.Errorf("entry %s = %q, want %q", name, got[name], content)
		}
	}
}

func TestTar_MissingFileRemovesArchive(t *testing.T) {
	dir, listFile := writeTree(t, map[string]string{"wwwroot/a.js": "x"})
	if err := os.WriteFile(listFile, []byte("wwwroot/a.js\nwwwroot/gone.js"), 0644); err != nil {
		t.Fatal(err)
	}
	archivePath := filepath.Join(dir, "deploy.tar.zst")

	a, _ := New(config.FormatTarZst, "", "", nil)
	if err := a.Create(context.Background(), dir, listFile, archivePath); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := os.Stat(archivePath); !os.IsNotExist(err) {
		t.Error("expected partial archive to be removed")
	}
}

func TestTar_RejectsEscapingEntry(t *testing.T) {
	dir, listFile := writeTree(t, map[string]string{"a.js": "x"})
	if err := os.WriteFile(listFile, []byte("../etc/passwd"), 0644); err != nil {
		t.Fatal(err)
	}

	a, _ := New(config.FormatTarLZ4, "", "", nil)
	err := a.Create(context.Background(), dir, listFile, filepath.Join(dir, "deploy.tar.lz4"))
	if err == nil || !strings.Contains(err.Error(), "escapes") {
		t.Fatalf("expected escape error, got %v", err)
	}
}

func TestSevenZip_Create(t *testing.T) {
	dir, listFile := writeTree(t, sample)
	archivePath := filepath.Join(dir, "deploy.7z")
	runner := &fakeRunner{create: true}

	a, err := New(config.Format7z, "/opt/7z", "", runner)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Create(context.Background(), dir, listFile, archivePath); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if len(runner.calls) != 1 {
		t.Fatalf("expected 1 call, got %v", runner.calls)
	}
	want := []string{"/opt/7z", "a", archivePath, "-spf2", "@" + listFile}
	if strings.Join(runner.calls[0], " ") != strings.Join(want, " ") {
		t.Errorf("call = %v, want %v", runner.calls[0], want)
	}
	if runner.dirs[0] != dir {
		t.Errorf("ran in %q, want %q", runner.dirs[0], dir)
	}
}

func TestSevenZip_MissingTool(t *testing.T) {
	dir, listFile := writeTree(t, sample)
	runner := &fakeRunner{missing: true}

	a, _ := New(config.Format7z, "", "", runner)
	err := a.Create(context.Background(), dir, listFile, filepath.Join(dir, "deploy.7z"))
	if !errors.Is(err, shell.ErrMissingTool) {
		t.Fatalf("expected ErrMissingTool, got %v", err)
	}
	if len(runner.calls) != 0 {
		t.Error("packer should not run when missing")
	}
}

func TestSevenZip_Failure(t *testing.T) {
	dir, listFile := writeTree(t, sample)
	runner := &fakeRunner{err: errors.New("exit status 2")}

	a, _ := New(config.Format7z, "", "", runner)
	if err := a.Create(context.Background(), dir, listFile, filepath.Join(dir, "deploy.7z")); err == nil {
		t.Fatal("expected error")
	}
}

func TestExtractCommand(t *testing.T) {
	tests := []struct {
		format     string
		remoteTool string
		want       string
	}{
		{config.Format7z, "", "7z x /srv/app/deploy.7z"},
		{config.Format7z, "7za", "7za x /srv/app/deploy.7z"},
		{config.FormatTarZst, "", "tar --zstd -xf /srv/app/deploy.7z"},
		{config.FormatTarLZ4, "gtar", "lz4 -dc /srv/app/deploy.7z | gtar -xf -"},
	}

	for _, tt := range tests {
		t.Run(tt.format+"/"+tt.remoteTool, func(t *testing.T) {
			a, err := New(tt.format, "", tt.remoteTool, &fakeRunner{})
			if err != nil {
				t.Fatal(err)
			}
			if got := a.ExtractCommand("/srv/app/deploy.7z"); got != tt.want {
				t.Errorf("ExtractCommand() = %q, want %q", got, tt.want)
			}
			if a.Format() != tt.format {
				t.Errorf("Format() = %q, want %q", a.Format(), tt.format)
			}
		})
	}
}

func TestNew_UnsupportedFormat(t *testing.T) {
	if _, err := New("rar", "", "", nil); err == nil {
		t.Error("expected error for unsupported format")
	}
}
