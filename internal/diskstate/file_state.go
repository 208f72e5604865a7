package diskstate

import (
	"fmt"
	"strconv"
	"time"

	"github.com/javi11/nzbd/internal/queue"
)

// SaveFileInfo writes the per-file summary (`<id>`), created once at admit
// time: subject, filename, size, groups and the article list.
func (s *Store) SaveFileInfo(fi *queue.FileInfo) error {
	return s.saveFile(strconv.Itoa(fi.ID), func(w *writer) error {
		writeFileSummary(w, fi)
		return w.err
	})
}

// LoadFileInfo restores the summary for a file id loaded from the queue.
func (s *Store) LoadFileInfo(fi *queue.FileInfo) error {
	f, r, err := s.openFile(strconv.Itoa(fi.ID))
	if err != nil {
		return err
	}
	defer f.Close()
	readFileSummary(r, fi)
	if r.Err() != nil {
		return fmt.Errorf("load fileinfo %d: %w", fi.ID, r.Err())
	}
	return nil
}

// SaveFileInfos writes the optional compact dump of all file summaries, the
// fast path for loading large queues.
func (s *Store) SaveFileInfos(q *queue.Queue) error {
	var files []*queue.FileInfo
	for _, nzb := range q.Items {
		files = append(files, nzb.FileList...)
	}
	return s.saveFile(FileFiles, func(w *writer) error {
		w.linef("%d", len(files))
		for _, fi := range files {
			w.linef("%d", fi.ID)
			writeFileSummary(w, fi)
		}
		return w.err
	})
}

// LoadFileInfos reads the compact dump into the queue's files, keyed by id.
// Returns false when the dump is absent so the caller falls back to per-id
// files.
func (s *Store) LoadFileInfos(q *queue.Queue) (bool, error) {
	if !s.Exists(FileFiles) {
		return false, nil
	}
	f, r, err := s.openFile(FileFiles)
	if err != nil {
		return false, err
	}
	defer f.Close()

	byID := make(map[int]*queue.FileInfo)
	for _, nzb := range q.Items {
		for _, fi := range nzb.FileList {
			byID[fi.ID] = fi
		}
	}

	count := r.intVal()
	for i := 0; i < count; i++ {
		id := r.intVal()
		var scratch queue.FileInfo
		target := byID[id]
		if target == nil {
			target = &scratch
		}
		readFileSummary(r, target)
		if r.Err() != nil {
			return false, fmt.Errorf("load files dump entry %d: %w", i, r.Err())
		}
	}
	return true, nil
}

func writeFileSummary(w *writer, fi *queue.FileInfo) {
	w.linef("%s", fi.Subject)
	w.linef("%s", fi.Filename)
	w.linef("%s", fi.Origname)
	w.linef("%d,%d,%d", fi.Time.Unix(), w.boolVal(fi.FilenameConfirmed), w.boolVal(fi.ParFile))
	w.int64Pair(fi.Size)
	w.linef("%s", fi.Hash16k)
	w.linef("%s", fi.ParSetID)
	w.linef("%d,%d", fi.Priority, w.boolVal(fi.ExtraPriority))

	w.linef("%d", len(fi.Groups))
	for _, g := range fi.Groups {
		w.linef("%s", g)
	}

	w.linef("%d", len(fi.Articles))
	for _, a := range fi.Articles {
		w.linef("%d,%d,%d", a.PartNumber, a.Size, a.SegmentSize)
		w.int64Pair(a.SegmentOffset)
		w.linef("%s", a.MessageID)
	}
}

func readFileSummary(r *reader, fi *queue.FileInfo) {
	fi.Subject = r.line()
	fi.Filename = r.line()
	fi.Origname = r.line()
	meta := r.ints(3)
	fi.Time = time.Unix(int64(meta[0]), 0)
	fi.FilenameConfirmed = meta[1] != 0
	fi.ParFile = meta[2] != 0
	fi.Size = r.int64Pair()
	fi.Hash16k = r.line()
	fi.ParSetID = r.line()
	prio := r.ints(2)
	fi.Priority, fi.ExtraPriority = prio[0], prio[1] != 0

	groupCount := r.intVal()
	fi.Groups = make([]string, 0, groupCount)
	for i := 0; i < groupCount; i++ {
		fi.Groups = append(fi.Groups, r.line())
	}

	articleCount := r.intVal()
	fi.Articles = make([]*queue.ArticleInfo, 0, articleCount)
	fi.TotalArticles = articleCount
	for i := 0; i < articleCount; i++ {
		vals := r.ints(3)
		a := &queue.ArticleInfo{
			PartNumber:  vals[0],
			Size:        vals[1],
			SegmentSize: vals[2],
		}
		a.SegmentOffset = r.int64Pair()
		a.MessageID = r.line()
		fi.Articles = append(fi.Articles, a)
	}
}

// SaveFileState writes the partial download state (`<id>s`): per-article
// terminal statuses run-length encoded plus the running counters. Written on
// each article completion batch.
func (s *Store) SaveFileState(fi *queue.FileInfo) error {
	name := strconv.Itoa(fi.ID) + "s"
	return s.saveFile(name, func(w *writer) error {
		w.linef("%d,%d,%d,%d", fi.SuccessArticles, fi.FailedArticles, fi.MissedArticles, fi.CompletedArticles)
		w.int64Pair(fi.SuccessSize)
		w.int64Pair(fi.FailedSize)
		w.int64Pair(fi.MissedSize)

		// Run-length encode article statuses; running articles persist as
		// undefined so an interrupted download is retried.
		w.linef("%d", len(fi.Articles))
		runStatus := queue.ArticleUndefined
		runLen := 0
		flush := func() {
			if runLen > 0 {
				w.linef("%d,%d", runLen, int(runStatus))
			}
		}
		for _, a := range fi.Articles {
			status := a.Status
			if status == queue.ArticleRunning {
				status = queue.ArticleUndefined
			}
			if status == runStatus {
				runLen++
				continue
			}
			flush()
			runStatus = status
			runLen = 1
		}
		flush()
		return w.err
	})
}

// LoadFileState restores partial download state saved by SaveFileState.
func (s *Store) LoadFileState(fi *queue.FileInfo) error {
	name := strconv.Itoa(fi.ID) + "s"
	f, r, err := s.openFile(name)
	if err != nil {
		return err
	}
	defer f.Close()

	counters := r.ints(4)
	fi.SuccessArticles = counters[0]
	fi.FailedArticles = counters[1]
	fi.MissedArticles = counters[2]
	fi.CompletedArticles = counters[3]
	fi.SuccessSize = r.int64Pair()
	fi.FailedSize = r.int64Pair()
	fi.MissedSize = r.int64Pair()

	total := r.intVal()
	if total != len(fi.Articles) {
		return fmt.Errorf("file %d partial state covers %d articles, file has %d", fi.ID, total, len(fi.Articles))
	}
	idx := 0
	for idx < total {
		run := r.ints(2)
		if r.Err() != nil {
			return fmt.Errorf("load file state %d: %w", fi.ID, r.Err())
		}
		for i := 0; i < run[0] && idx < total; i++ {
			fi.Articles[idx].Status = queue.ArticleStatus(run[1])
			idx++
		}
	}
	fi.PartialState = queue.PartialPartial
	return nil
}

// SaveCompletedState writes `<id>c` once on file completion: final crc and
// per-article offsets, consumed by downstream verification.
func (s *Store) SaveCompletedState(fi *queue.FileInfo, crc uint32) error {
	name := strconv.Itoa(fi.ID) + "c"
	return s.saveFile(name, func(w *writer) error {
		w.linef("%d", crc)
		w.linef("%d", len(fi.Articles))
		for _, a := range fi.Articles {
			w.linef("%d,%d,%d", a.PartNumber, int(a.Status), a.SegmentSize)
			w.int64Pair(a.SegmentOffset)
			w.linef("%d", a.CRC)
		}
		return w.err
	})
}

// DiscardFileState removes all per-file state for an id.
func (s *Store) DiscardFileState(id int) {
	s.Discard(strconv.Itoa(id))
	s.Discard(strconv.Itoa(id) + "s")
	s.Discard(strconv.Itoa(id) + "c")
}
