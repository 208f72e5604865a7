package nzb

import (
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/javi11/nzbd/internal/queue"
	"github.com/javi11/nzbparser"
)

var (
	parFilePattern  = regexp.MustCompile(`(?i)\.par2$`)
	volParPattern   = regexp.MustCompile(`(?i)\.vol\d+\+\d+\.par2$`)
	subjectFilename = regexp.MustCompile(`"([^"]+)"`)
)

// Parser turns admitted NZB files into fully populated NzbInfos. It owns no
// queue state; the scanner hands its output to the duplicate coordinator.
type Parser struct {
	log *slog.Logger
}

// NewParser creates an NZB parser.
func NewParser() *Parser {
	return &Parser{log: slog.Default().With("component", "nzb-parser")}
}

// Parse reads an NZB document and builds the job with per-file and
// per-article state plus both content fingerprints. File and job ids are
// not assigned here; the queue assigns them under its lock at admit time.
func (p *Parser) Parse(r io.Reader, nzbFilename string) (*queue.NzbInfo, error) {
	doc, err := nzbparser.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse NZB XML: %w", err)
	}
	if len(doc.Files) == 0 {
		return nil, fmt.Errorf("NZB file contains no files")
	}

	nzb := queue.NewNzbInfo()
	nzb.Kind = queue.KindNzb
	nzb.Filename = nzbFilename
	nzb.Name = niceName(nzbFilename)

	if doc.Meta != nil {
		if key, ok := doc.Meta["dupekey"]; ok {
			nzb.DupeKey = key
		}
		if category, ok := doc.Meta["category"]; ok {
			nzb.Category = category
		}
	}

	fullHash := crc32.NewIEEE()
	filteredHash := crc32.NewIEEE()

	for i := range doc.Files {
		file := &doc.Files[i]
		fi := p.buildFile(file)

		for _, a := range fi.Articles {
			record := fmt.Sprintf("%s:%d", a.MessageID, a.Size)
			fullHash.Write([]byte(record))
			if !fi.ParFile {
				filteredHash.Write([]byte(record))
			}
		}

		nzb.FileList = append(nzb.FileList, fi)
		nzb.Size += fi.Size
		nzb.TotalArticles += fi.TotalArticles
		if fi.ParFile {
			nzb.ParSize += fi.Size
		}
	}

	nzb.FullContentHash = fullHash.Sum32()
	nzb.FilteredContentHash = filteredHash.Sum32()
	nzb.MinTime = time.Now()
	nzb.MaxTime = nzb.MinTime

	p.resolveFilenameCollisions(nzb)
	nzb.UpdateCurrentStats()
	return nzb, nil
}

func (p *Parser) buildFile(file *nzbparser.NzbFile) *queue.FileInfo {
	sort.Sort(file.Segments)

	fi := &queue.FileInfo{
		Subject: file.Subject,
		Time:    time.Now(),
		Groups:  append([]string(nil), file.Groups...),
	}

	fi.Filename = filenameFromSubject(file.Subject)
	fi.ParFile = parFilePattern.MatchString(fi.Filename)
	if fi.ParFile {
		fi.ParSetID = parSetID(fi.Filename)
	}

	var offset int64
	for _, seg := range file.Segments {
		a := &queue.ArticleInfo{
			PartNumber:    seg.Number,
			MessageID:     seg.ID,
			Size:          seg.Bytes,
			SegmentOffset: offset,
			SegmentSize:   seg.Bytes,
		}
		offset += int64(seg.Bytes)
		fi.Size += int64(seg.Bytes)
		fi.Articles = append(fi.Articles, a)
	}
	fi.TotalArticles = len(fi.Articles)
	return fi
}

// resolveFilenameCollisions falls back to subjects as filenames when more
// than two files parse to the same name but differ in subject; a pair gets
// a numeric suffix instead.
func (p *Parser) resolveFilenameCollisions(nzb *queue.NzbInfo) {
	byName := make(map[string][]*queue.FileInfo)
	for _, fi := range nzb.FileList {
		key := strings.ToLower(fi.Filename)
		byName[key] = append(byName[key], fi)
	}
	for _, group := range byName {
		if len(group) <= 1 {
			continue
		}
		if len(group) > 2 {
			nzb.ManyDupeFiles = true
			for _, fi := range group {
				fi.Filename = fi.Subject
			}
			p.log.Warn("Multiple files share a parsed filename, using subjects",
				"nzb", nzb.Name, "count", len(group))
			continue
		}
		for i, fi := range group[1:] {
			ext := filepath.Ext(fi.Filename)
			base := strings.TrimSuffix(fi.Filename, ext)
			fi.Filename = fmt.Sprintf("%s.duplicate%d%s", base, i+1, ext)
		}
	}
}

// IsVolParFile reports whether a filename is a .volNN+MM.par2 volume.
func IsVolParFile(filename string) bool {
	return volParPattern.MatchString(filename)
}

// IsParFile reports whether a filename is any par2 file.
func IsParFile(filename string) bool {
	return parFilePattern.MatchString(filename)
}

func filenameFromSubject(subject string) string {
	if m := subjectFilename.FindStringSubmatch(subject); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(subject)
}

// parSetID derives the par set identity from the base name before any
// .volNN+MM suffix, lower-cased.
func parSetID(filename string) string {
	name := strings.ToLower(filename)
	name = volParPattern.ReplaceAllString(name, "")
	name = parFilePattern.ReplaceAllString(name, "")
	return name
}

func niceName(nzbFilename string) string {
	name := filepath.Base(nzbFilename)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return name
}
