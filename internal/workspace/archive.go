package workspace

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const maxArchiveBytes = 512 << 20

// ArchiveReport is the inventory of an uploaded project archive.
type ArchiveReport struct {
	Archive   string              `json:"archive"`
	Inventory Inventory           `json:"inventory"`
	Missing   map[string][]string `json:"missing"`
}

// AnalyzeArchive extracts a zip archive into a temporary directory and
// inventories it. Entries that would land outside the directory are rejected.
func AnalyzeArchive(zipPath string, opts Options, required map[string][]string) (ArchiveReport, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return ArchiveReport{}, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	dir, err := os.MkdirTemp("", "changegate-archive-")
	if err != nil {
		return ArchiveReport{}, err
	}
	defer os.RemoveAll(dir)

	var total int64
	for _, f := range zr.File {
		target := filepath.Join(dir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target, dir+string(filepath.Separator)) {
			return ArchiveReport{}, fmt.Errorf("archive entry %s escapes extraction dir", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return ArchiveReport{}, err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		total += int64(f.UncompressedSize64)
		if total > maxArchiveBytes {
			return ArchiveReport{}, fmt.Errorf("archive exceeds %d bytes", maxArchiveBytes)
		}
		if err := extractFile(f, target); err != nil {
			return ArchiveReport{}, err
		}
	}
	inv, err := Analyze(dir, opts)
	if err != nil {
		return ArchiveReport{}, err
	}
	inv.Root = zipPath
	return ArchiveReport{Archive: zipPath, Inventory: inv, Missing: MissingComponents(dir, required)}, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(rc, maxArchiveBytes)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
