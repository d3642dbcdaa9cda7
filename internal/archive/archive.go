// Package archive bundles profiled source files into the src.zip artifact.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/andresailer/Adaptyst/internal/logger"
)

// SourceArchiver turns a set of canonical source paths into an archive at
// dest.
type SourceArchiver interface {
	Archive(paths map[string]struct{}, dest string) error
}

// ZipArchiver writes a zip whose entries mirror the absolute source paths
// with the leading separator dropped. Unreadable files are logged and
// skipped; the profiled code may reference sources that no longer exist.
type ZipArchiver struct{}

func (ZipArchiver) Archive(paths map[string]struct{}, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	for _, p := range sorted {
		if err := addFile(zw, p); err != nil {
			logger.Warn("source file skipped", "path", p, "err", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return nil
}

func addFile(zw *zip.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("not a regular file")
	}
	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return err
	}
	hdr.Name = strings.TrimPrefix(path, "/")
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
