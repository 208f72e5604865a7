package writer

import (
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/javi11/nzbd/internal/cache"
	"github.com/javi11/nzbd/internal/queue"
	"github.com/spf13/afero"
)

// Assembler reassembles completed files from cached segments, temp files or
// the direct-write output, and flushes the cache under pressure.
type Assembler struct {
	fs    afero.Fs
	cache *cache.Cache
	opts  Options
	log   *slog.Logger
}

// NewAssembler creates an assembler sharing the article writers' options.
func NewAssembler(fs afero.Fs, c *cache.Cache, opts Options) *Assembler {
	return &Assembler{
		fs:    fs,
		cache: c,
		opts:  opts,
		log:   slog.Default().With("component", "assembler"),
	}
}

// CompleteFileParts assembles the final file for fi in destDir once all its
// articles are terminal. Missing articles leave zero-filled gaps. Returns
// the completed-file record; the caller mutates the queue under its lock.
func (a *Assembler) CompleteFileParts(fi *queue.FileInfo, destDir string) (*queue.CompletedFile, error) {
	if err := a.fs.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create destination dir: %w", err)
	}

	finalName := a.uniqueFilename(destDir, fi.Filename, fi.OutputFilename)

	fi.FlushMu.Lock()
	defer fi.FlushMu.Unlock()

	var crc uint32
	var err error
	if fi.OutputInitialized {
		// Direct-write: the file is already in place, flush any cached
		// stragglers into it and rename.
		if err = a.flushIntoOutput(fi); err != nil {
			return nil, err
		}
		if fi.OutputFilename != finalName {
			if err = a.fs.Rename(fi.OutputFilename, finalName); err != nil {
				return nil, fmt.Errorf("rename output file: %w", err)
			}
		}
	} else {
		crc, err = a.assembleParts(fi, finalName)
		if err != nil {
			return nil, err
		}
	}

	status := queue.CompletedSuccess
	switch {
	case fi.SuccessArticles == 0:
		status = queue.CompletedFailure
	case fi.FailedArticles+fi.MissedArticles > 0:
		status = queue.CompletedPartial
	}

	return &queue.CompletedFile{
		ID:       fi.ID,
		Filename: filepath.Base(finalName),
		Origname: fi.Origname,
		Status:   status,
		CRC:      crc,
		ParFile:  fi.ParFile,
		Hash16k:  fi.Hash16k,
		ParSetID: fi.ParSetID,
	}, nil
}

// assembleParts writes cached or temp-file segments at their offsets in
// part-number order, zero-filling gaps, and accumulates the CRC32 of the
// concatenated articles.
func (a *Assembler) assembleParts(fi *queue.FileInfo, finalName string) (uint32, error) {
	out, err := a.fs.Create(finalName)
	if err != nil {
		return 0, fmt.Errorf("create final file: %w", err)
	}
	defer out.Close()

	articles := append([]*queue.ArticleInfo(nil), fi.Articles...)
	sort.Slice(articles, func(i, j int) bool {
		return articles[i].PartNumber < articles[j].PartNumber
	})

	hash := crc32.NewIEEE()
	for _, art := range articles {
		switch {
		case art.Segment != nil:
			if _, err := out.WriteAt(art.Segment, art.SegmentOffset); err != nil {
				return 0, fmt.Errorf("write cached segment %d: %w", art.PartNumber, err)
			}
			hash.Write(art.Segment)
			a.cache.Free(art.SegmentSize)
			art.Segment = nil
			fi.CachedArticles--
		case art.ResultFilename != "":
			if err := a.copyTempSegment(out, art, hash); err != nil {
				return 0, err
			}
		default:
			// Missing article: the gap stays zero-filled, sized by the
			// final Truncate below.
			hash.Write(make([]byte, art.SegmentSize))
		}
	}

	if err := out.Truncate(fi.Size); err != nil {
		return 0, fmt.Errorf("size final file: %w", err)
	}
	return hash.Sum32(), nil
}

func (a *Assembler) copyTempSegment(out afero.File, art *queue.ArticleInfo, hash io.Writer) error {
	in, err := a.fs.Open(art.ResultFilename)
	if err != nil {
		return fmt.Errorf("open temp segment %d: %w", art.PartNumber, err)
	}
	defer in.Close()

	buf := make([]byte, 64*1024)
	offset := art.SegmentOffset
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if _, werr := out.WriteAt(buf[:n], offset); werr != nil {
				return fmt.Errorf("write temp segment %d: %w", art.PartNumber, werr)
			}
			hash.Write(buf[:n])
			offset += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read temp segment %d: %w", art.PartNumber, err)
		}
	}

	_ = a.fs.Remove(art.ResultFilename)
	art.ResultFilename = ""
	return nil
}

// flushIntoOutput writes any remaining cached segments of a direct-write
// file into the output file at their offsets. Caller holds fi.FlushMu.
func (a *Assembler) flushIntoOutput(fi *queue.FileInfo) error {
	if fi.CachedArticles == 0 {
		return nil
	}

	out, err := a.fs.OpenFile(fi.OutputFilename, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open output for final flush: %w", err)
	}
	defer out.Close()

	flushed := 0
	for _, art := range fi.Articles {
		if art.Segment == nil {
			continue
		}
		if _, err := out.WriteAt(art.Segment, art.SegmentOffset); err != nil {
			return fmt.Errorf("flush segment %d: %w", art.PartNumber, err)
		}
		a.cache.Free(art.SegmentSize)
		art.Segment = nil
		flushed++
	}
	fi.CachedArticles -= flushed
	return nil
}

// FlushCache writes every cached segment of fi to its final offset, either
// into the existing direct-write output file or via temp-per-article files,
// releases the cache memory and demotes the articles to offset+size only.
func (a *Assembler) FlushCache(fi *queue.FileInfo) error {
	fi.FlushMu.Lock()
	defer fi.FlushMu.Unlock()

	if fi.CachedArticles == 0 {
		return nil
	}

	var out afero.File
	if fi.OutputInitialized {
		f, err := a.fs.OpenFile(fi.OutputFilename, os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open output for flush: %w", err)
		}
		defer f.Close()
		out = f
	} else if err := a.fs.MkdirAll(a.opts.TempDir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	flushed := 0
	for _, art := range fi.Articles {
		if art.Segment == nil {
			continue
		}
		if out != nil {
			if _, err := out.WriteAt(art.Segment, art.SegmentOffset); err != nil {
				return fmt.Errorf("flush segment %d: %w", art.PartNumber, err)
			}
		} else {
			name := filepath.Join(a.opts.TempDir, fmt.Sprintf("%d.%03d", fi.ID, art.PartNumber))
			if err := afero.WriteFile(a.fs, name, art.Segment, 0o644); err != nil {
				return fmt.Errorf("flush segment %d to temp: %w", art.PartNumber, err)
			}
			art.ResultFilename = name
		}
		a.cache.Free(art.SegmentSize)
		art.Segment = nil
		flushed++
	}
	fi.CachedArticles -= flushed
	a.log.Debug("Flushed cached articles", "file_id", fi.ID, "count", flushed)
	return nil
}

// MoveCompletedFiles relocates already-assembled files after a late edit
// changed the job's destination directory.
func (a *Assembler) MoveCompletedFiles(nzb *queue.NzbInfo, oldDestDir string) error {
	if err := a.fs.MkdirAll(nzb.DestDir, 0o755); err != nil {
		return fmt.Errorf("create new destination dir: %w", err)
	}
	for _, cf := range nzb.CompletedFiles {
		oldPath := filepath.Join(oldDestDir, cf.Filename)
		newPath := filepath.Join(nzb.DestDir, cf.Filename)
		if exists, _ := afero.Exists(a.fs, oldPath); !exists {
			continue
		}
		if err := a.fs.Rename(oldPath, newPath); err != nil {
			return fmt.Errorf("move completed file %s: %w", cf.Filename, err)
		}
	}
	return nil
}

// uniqueFilename picks a final name in destDir, adding a numeric suffix on
// collision unless the target is the output file itself.
func (a *Assembler) uniqueFilename(destDir, filename, outputFilename string) string {
	candidate := filepath.Join(destDir, filename)
	for i := 1; ; i++ {
		exists, _ := afero.Exists(a.fs, candidate)
		if !exists || candidate == outputFilename {
			return candidate
		}
		ext := filepath.Ext(filename)
		base := filename[:len(filename)-len(ext)]
		candidate = filepath.Join(destDir, fmt.Sprintf("%s_%d%s", base, i, ext))
	}
}
