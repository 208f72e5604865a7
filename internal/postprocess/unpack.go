package postprocess

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/javi11/rardecode/v2"
	"github.com/javi11/sevenzip"
	"github.com/spf13/afero"
)

const unpackSubdir = "_unpack"

var (
	rarPartRE    = regexp.MustCompile(`(?i)\.part(\d+)\.rar$`)
	rarVolumeRE  = regexp.MustCompile(`(?i)\.(rar|r\d{2,3})$`)
	sevenPartRE  = regexp.MustCompile(`(?i)\.7z\.(\d+)$`)
	sevenFirstRE = regexp.MustCompile(`(?i)(\.7z|\.7z\.0*1)$`)
)

// isFirstRarVolume reports whether name is the entry volume of a rar set:
// either a plain .rar or the .part1.rar of a multi-part set.
func isFirstRarVolume(name string) bool {
	if !strings.HasSuffix(strings.ToLower(name), ".rar") {
		return false
	}
	m := rarPartRE.FindStringSubmatch(name)
	if m == nil {
		return true
	}
	n, err := strconv.Atoi(m[1])
	return err == nil && n == 1
}

func isFirstSevenZipVolume(name string) bool {
	if m := sevenPartRE.FindStringSubmatch(name); m != nil {
		n, err := strconv.Atoi(m[1])
		return err == nil && n == 1
	}
	return sevenFirstRE.MatchString(name)
}

// isArchiveVolume matches any file belonging to a rar or 7z volume set, used
// to delete the archives after a successful unpack.
func isArchiveVolume(name string) bool {
	return rarVolumeRE.MatchString(name) || sevenPartRE.MatchString(name) ||
		strings.HasSuffix(strings.ToLower(name), ".7z")
}

// unpackArchive extracts one archive into unpackDir. A wrong password is
// reported distinctly so the stage can set the password status.
func (p *Processor) unpackArchive(archive, password, unpackDir string) (wrongPassword bool, err error) {
	switch {
	case strings.HasSuffix(strings.ToLower(archive), ".rar"):
		err = p.unpackRar(archive, password, unpackDir)
		wrongPassword = errors.Is(err, rardecode.ErrBadPassword)
	default:
		err = p.unpackSevenZip(archive, password, unpackDir)
		wrongPassword = err != nil && strings.Contains(strings.ToLower(err.Error()), "password")
	}
	return wrongPassword, err
}

func (p *Processor) unpackRar(archive, password, unpackDir string) error {
	opts := []rardecode.Option{rardecode.FileSystem(afero.NewIOFS(p.fs))}
	if password != "" {
		opts = append(opts, rardecode.Password(password))
	}

	rc, err := rardecode.OpenReader(archive, opts...)
	if err != nil {
		return fmt.Errorf("open rar %s: %w", filepath.Base(archive), err)
	}
	defer rc.Close()

	for {
		hdr, err := rc.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read rar %s: %w", filepath.Base(archive), err)
		}
		if err := p.extractEntry(unpackDir, hdr.Name, hdr.IsDir, rc); err != nil {
			return err
		}
	}
}

func (p *Processor) unpackSevenZip(archive, password, unpackDir string) error {
	var (
		rc  *sevenzip.ReadCloser
		err error
	)
	if password != "" {
		rc, err = sevenzip.OpenReaderWithPassword(archive, password, p.fs)
	} else {
		rc, err = sevenzip.OpenReader(archive, p.fs)
	}
	if err != nil {
		return fmt.Errorf("open 7z %s: %w", filepath.Base(archive), err)
	}
	defer rc.Close()

	for _, f := range rc.File {
		if f.FileInfo().IsDir() {
			if err := p.fs.MkdirAll(filepath.Join(unpackDir, filepath.FromSlash(f.Name)), 0o755); err != nil {
				return err
			}
			continue
		}
		in, err := f.Open()
		if err != nil {
			return fmt.Errorf("open 7z entry %s: %w", f.Name, err)
		}
		err = p.extractEntry(unpackDir, f.Name, false, in)
		in.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// extractEntry writes one archive entry below unpackDir, refusing paths that
// escape it.
func (p *Processor) extractEntry(unpackDir, name string, isDir bool, r io.Reader) error {
	rel := filepath.FromSlash(name)
	if rel == "" || strings.Contains(rel, "..") {
		return fmt.Errorf("unsafe archive entry name %q", name)
	}
	target := filepath.Join(unpackDir, rel)

	if isDir {
		return p.fs.MkdirAll(target, 0o755)
	}
	if err := p.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := p.fs.Create(target)
	if err != nil {
		return fmt.Errorf("create unpacked file %s: %w", rel, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("extract %s: %w", rel, err)
	}
	return nil
}

// promoteUnpacked moves the unpack subdirectory's contents into destDir and
// removes the archive volumes and the subdirectory.
func (p *Processor) promoteUnpacked(destDir string) error {
	unpackDir := filepath.Join(destDir, unpackSubdir)
	entries, err := afero.ReadDir(p.fs, unpackDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		src := filepath.Join(unpackDir, e.Name())
		dst := filepath.Join(destDir, e.Name())
		if exists, _ := afero.Exists(p.fs, dst); exists {
			if err := p.fs.RemoveAll(dst); err != nil {
				return err
			}
		}
		if err := p.fs.Rename(src, dst); err != nil {
			return fmt.Errorf("move unpacked %s: %w", e.Name(), err)
		}
	}
	if err := p.fs.RemoveAll(unpackDir); err != nil {
		return err
	}

	files, err := afero.ReadDir(p.fs, destDir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if !f.IsDir() && isArchiveVolume(f.Name()) {
			if err := p.fs.Remove(filepath.Join(destDir, f.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
