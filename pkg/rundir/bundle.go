package rundir

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultBundleInclude selects every file of a run directory except the
// transient handoff files.
var DefaultBundleInclude = []string{"**"}

// WriteBundle streams a gzip-compressed tar of dir to w. Only regular files
// whose slash-separated relative path matches one of include are added.
// Temporary atomic-write files and the cleanup envelope are always skipped.
func WriteBundle(dir string, w io.Writer, include []string) (int, error) {
	if len(include) == 0 {
		include = DefaultBundleInclude
	}
	for _, pattern := range include {
		if !doublestar.ValidatePattern(pattern) {
			return 0, fmt.Errorf("invalid include pattern %q", pattern)
		}
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	count := 0
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if skipInBundle(rel) || !matchesAny(include, rel) {
			return nil
		}
		if err := addFile(tw, path, rel); err != nil {
			return err
		}
		count++
		return nil
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = gz.Close()
		return count, fmt.Errorf("bundle %s: %w", dir, walkErr)
	}
	if err := tw.Close(); err != nil {
		_ = gz.Close()
		return count, err
	}
	return count, gz.Close()
}

func skipInBundle(rel string) bool {
	base := filepath.Base(rel)
	if base == EnvelopeFile {
		return true
	}
	return strings.Contains(base, ".tmp.")
}

func matchesAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(st, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	// The output file may still be growing; copy only what the header announced.
	_, err = io.CopyN(tw, f, hdr.Size)
	return err
}
