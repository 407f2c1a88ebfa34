package backup

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// archiveResult summarizes a produced artifact.
type archiveResult struct {
	SHA256      string
	SizeBytes   uint64
	SourceBytes uint64
	FileCount   int
}

type countingWriter struct {
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += uint64(len(p))
	return len(p), nil
}

// archiveSpec describes what goes into one artifact.
type archiveSpec struct {
	Roots    []string
	Excludes []string
	Since    time.Time // keep only regular files modified after this; zero keeps all
	Compress bool
}

// buildArchive writes a tar (gzipped when spec says so) of the spec's roots
// to dst, applying excludes against paths relative to each root. With more
// than one root, directory entries are namespaced under each root's base
// name so trees cannot collide. The artifact's SHA-256 and size are computed
// while writing, in a single pass.
func buildArchive(dst string, spec archiveSpec) (archiveResult, error) {
	f, err := os.Create(dst)
	if err != nil {
		return archiveResult{}, fmt.Errorf("create artifact: %w", err)
	}
	hash := sha256.New()
	counter := &countingWriter{}
	out := io.MultiWriter(f, hash, counter)
	var gz *gzip.Writer
	tw := tar.NewWriter(out)
	if spec.Compress {
		gz = gzip.NewWriter(out)
		tw = tar.NewWriter(gz)
	}

	var res archiveResult
	for _, root := range spec.Roots {
		if err = archiveRoot(tw, root, len(spec.Roots) > 1, spec, &res); err != nil {
			break
		}
	}
	if cerr := tw.Close(); err == nil {
		err = cerr
	}
	if gz != nil {
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return archiveResult{}, err
	}
	res.SHA256 = hex.EncodeToString(hash.Sum(nil))
	res.SizeBytes = counter.n
	return res, nil
}

// archiveRoot walks one root (a directory or a single file) and writes its
// entries to tw.
func archiveRoot(tw *tar.Writer, root string, multi bool, spec archiveSpec, res *archiveResult) error {
	prefix := ""
	if multi {
		if info, err := os.Stat(root); err == nil && info.IsDir() {
			prefix = filepath.Base(root)
		}
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			if d.IsDir() {
				return nil
			}
			// Single-file root: tar it under its base name.
			rel = filepath.Base(path)
		}
		if excluded(rel, spec.Excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !spec.Since.IsZero() && info.Mode().IsRegular() && !info.ModTime().After(spec.Since) {
			return nil
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if prefix != "" {
			hdr.Name = prefix + "/" + hdr.Name
		}
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		n, err := io.Copy(tw, in)
		in.Close()
		if err != nil {
			return fmt.Errorf("archive %s: %w", rel, err)
		}
		res.SourceBytes += uint64(n)
		res.FileCount++
		return nil
	})
}

// verifyArchive re-reads an artifact, recomputes its SHA-256, and walks every
// tar entry. Both the digest and the stream must check out.
func verifyArchive(path, wantSHA string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	hash := sha256.New()
	tee := io.TeeReader(f, hash)
	var src io.Reader = tee
	var gz *gzip.Reader
	if strings.HasSuffix(path, ".gz") {
		if gz, err = gzip.NewReader(tee); err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		src = gz
	}
	tr := tar.NewReader(src)
	for {
		_, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar entry: %w", err)
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return fmt.Errorf("tar data: %w", err)
		}
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("gzip trailer: %w", err)
		}
	}
	// Drain trailing bytes so the digest covers the whole file.
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return err
	}
	if got := hex.EncodeToString(hash.Sum(nil)); got != wantSHA {
		return fmt.Errorf("checksum mismatch: got %s, want %s", got, wantSHA)
	}
	return nil
}
