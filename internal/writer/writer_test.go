package writer

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbd/internal/cache"
	"github.com/javi11/nzbd/internal/queue"
)

func testFile(articles int) *queue.FileInfo {
	fi := &queue.FileInfo{
		ID:            7,
		Filename:      "data.bin",
		TotalArticles: articles,
	}
	for i := 0; i < articles; i++ {
		fi.Articles = append(fi.Articles, &queue.ArticleInfo{
			PartNumber:    i + 1,
			SegmentSize:   10,
			SegmentOffset: int64(i) * 10,
		})
		fi.Size += 10
	}
	return fi
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func TestArticleWriter_CachedMode(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := cache.New(1000, nil)
	fi := testFile(1)
	art := fi.Articles[0]

	w := NewArticleWriter(fs, c, Options{TempDir: "/tmp-a"}, fi, art, "/dst")
	require.NoError(t, w.Start())
	assert.Equal(t, int64(10), c.Allocated())

	_, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, w.Finish(true))

	assert.Equal(t, []byte("helloworld"), art.Segment)
	assert.Equal(t, 1, fi.CachedArticles)
}

func TestArticleWriter_CachedModeFailureFrees(t *testing.T) {
	c := cache.New(1000, nil)
	fi := testFile(1)

	w := NewArticleWriter(afero.NewMemMapFs(), c, Options{}, fi, fi.Articles[0], "/dst")
	require.NoError(t, w.Start())
	require.NoError(t, w.Finish(false))

	assert.Nil(t, fi.Articles[0].Segment)
	assert.Equal(t, int64(0), c.Allocated())
	assert.Equal(t, 0, fi.CachedArticles)
}

func TestArticleWriter_OversizeBytesDropped(t *testing.T) {
	c := cache.New(1000, nil)
	fi := testFile(1)
	art := fi.Articles[0]

	w := NewArticleWriter(afero.NewMemMapFs(), c, Options{}, fi, art, "/dst")
	require.NoError(t, w.Start())

	n, err := w.Write([]byte("0123456789overflow"))
	require.NoError(t, err)
	assert.Equal(t, 18, n) // reported consumed, silently truncated
	require.NoError(t, w.Finish(true))
	assert.Equal(t, []byte("0123456789"), art.Segment)
}

func TestArticleWriter_TempModeWhenCacheFull(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := cache.New(0, nil) // caching disabled
	fi := testFile(1)
	art := fi.Articles[0]

	w := NewArticleWriter(fs, c, Options{TempDir: "/tmp-a"}, fi, art, "/dst")
	require.NoError(t, w.Start())
	_, err := w.Write([]byte("tempbytes!"))
	require.NoError(t, err)
	require.NoError(t, w.Finish(true))

	require.NotEmpty(t, art.ResultFilename)
	data, err := afero.ReadFile(fs, art.ResultFilename)
	require.NoError(t, err)
	assert.Equal(t, []byte("tempbytes!"), data)
}

func TestArticleWriter_DirectModeSharesOutput(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := cache.New(1000, nil)
	fi := testFile(2)

	opts := Options{DirectWrite: true, Preallocate: true}
	w1 := NewArticleWriter(fs, c, opts, fi, fi.Articles[0], "/dst")
	require.NoError(t, w1.Start())
	w2 := NewArticleWriter(fs, c, opts, fi, fi.Articles[1], "/dst")
	require.NoError(t, w2.Start())

	_, err := w2.Write([]byte("BBBBBBBBBB"))
	require.NoError(t, err)
	_, err = w1.Write([]byte("AAAAAAAAAA"))
	require.NoError(t, err)
	require.NoError(t, w1.Finish(true))
	require.NoError(t, w2.Finish(true))

	assert.True(t, fi.OutputInitialized)
	data, err := afero.ReadFile(fs, fi.OutputFilename)
	require.NoError(t, err)
	require.Len(t, data, 20)
	assert.Equal(t, byte('A'), data[0])
	assert.Equal(t, byte('B'), data[10])
	// Direct-write never touches the cache.
	assert.Equal(t, int64(0), c.Allocated())
}

func TestAssembler_AssemblesCachedAndMissingParts(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := cache.New(1000, nil)
	a := NewAssembler(fs, c, Options{TempDir: "/tmp-a"})
	fi := testFile(3)

	seg, ok := c.Alloc(10)
	require.True(t, ok)
	fill(seg, 'x')
	fi.Articles[0].Segment = seg
	fi.Articles[0].Status = queue.ArticleFinished
	fi.CachedArticles = 1
	fi.SuccessArticles = 1

	// Second part was flushed to a temp file earlier.
	require.NoError(t, afero.WriteFile(fs, "/tmp-a/7.002", []byte("yyyyyyyyyy"), 0o644))
	fi.Articles[1].ResultFilename = "/tmp-a/7.002"
	fi.Articles[1].Status = queue.ArticleFinished
	fi.SuccessArticles++

	// Third part failed: zero-filled gap.
	fi.Articles[2].Status = queue.ArticleFailed
	fi.FailedArticles = 1

	cf, err := a.CompleteFileParts(fi, "/dst")
	require.NoError(t, err)
	assert.Equal(t, queue.CompletedPartial, cf.Status)
	assert.Equal(t, "data.bin", cf.Filename)

	data, err := afero.ReadFile(fs, "/dst/data.bin")
	require.NoError(t, err)
	require.Len(t, data, 30)
	assert.Equal(t, byte('x'), data[5])
	assert.Equal(t, byte('y'), data[15])
	assert.Equal(t, byte(0), data[25])

	// Cache released, temp file consumed.
	assert.Equal(t, int64(0), c.Allocated())
	assert.Equal(t, 0, fi.CachedArticles)
	gone, _ := afero.Exists(fs, "/tmp-a/7.002")
	assert.False(t, gone)
}

func TestAssembler_AllArticlesFailed(t *testing.T) {
	fs := afero.NewMemMapFs()
	a := NewAssembler(fs, cache.New(1000, nil), Options{})
	fi := testFile(1)
	fi.Articles[0].Status = queue.ArticleFailed
	fi.FailedArticles = 1

	cf, err := a.CompleteFileParts(fi, "/dst")
	require.NoError(t, err)
	assert.Equal(t, queue.CompletedFailure, cf.Status)
}

func TestAssembler_UniqueFilenameOnCollision(t *testing.T) {
	fs := afero.NewMemMapFs()
	a := NewAssembler(fs, cache.New(1000, nil), Options{})
	require.NoError(t, afero.WriteFile(fs, "/dst/data.bin", []byte("old"), 0o644))

	fi := testFile(1)
	fi.Articles[0].Status = queue.ArticleFailed

	cf, err := a.CompleteFileParts(fi, "/dst")
	require.NoError(t, err)
	assert.Equal(t, "data_1.bin", cf.Filename)

	old, err := afero.ReadFile(fs, "/dst/data.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), old)
}

func TestAssembler_FlushCacheToTempFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := cache.New(1000, nil)
	a := NewAssembler(fs, c, Options{TempDir: "/tmp-a"})
	fi := testFile(2)

	for _, art := range fi.Articles {
		seg, ok := c.Alloc(art.SegmentSize)
		require.True(t, ok)
		fill(seg, byte('0'+art.PartNumber))
		art.Segment = seg
	}
	fi.CachedArticles = 2

	require.NoError(t, a.FlushCache(fi))

	assert.Equal(t, 0, fi.CachedArticles)
	assert.Equal(t, int64(0), c.Allocated())
	for _, art := range fi.Articles {
		assert.Nil(t, art.Segment)
		require.NotEmpty(t, art.ResultFilename)
		data, err := afero.ReadFile(fs, art.ResultFilename)
		require.NoError(t, err)
		assert.Equal(t, byte('0'+art.PartNumber), data[0])
	}
}

func TestAssembler_FlushCacheIntoDirectOutput(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := cache.New(1000, nil)
	a := NewAssembler(fs, c, Options{})
	fi := testFile(2)
	fi.OutputInitialized = true
	fi.OutputFilename = "/dst/7.out"
	require.NoError(t, afero.WriteFile(fs, fi.OutputFilename, make([]byte, 20), 0o644))

	seg, ok := c.Alloc(10)
	require.True(t, ok)
	fill(seg, 'z')
	fi.Articles[1].Segment = seg
	fi.CachedArticles = 1

	require.NoError(t, a.FlushCache(fi))

	data, err := afero.ReadFile(fs, fi.OutputFilename)
	require.NoError(t, err)
	assert.Equal(t, byte('z'), data[10])
	assert.Empty(t, fi.Articles[1].ResultFilename)
}

func TestAssembler_MoveCompletedFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	a := NewAssembler(fs, cache.New(1000, nil), Options{})
	require.NoError(t, afero.WriteFile(fs, "/old/data.bin", []byte("d"), 0o644))

	nzb := queue.NewNzbInfo()
	nzb.DestDir = "/new"
	nzb.CompletedFiles = []*queue.CompletedFile{
		{Filename: "data.bin"},
		{Filename: "missing.bin"}, // absent source is skipped
	}

	require.NoError(t, a.MoveCompletedFiles(nzb, "/old"))
	ok, _ := afero.Exists(fs, "/new/data.bin")
	assert.True(t, ok)
}

func TestArticleWriter_DirectModeKeepsExistingOutput(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := cache.New(1000, nil)
	fi := testFile(2)

	// First article landed before a restart; the output file already exists
	// with OutputInitialized reset to false.
	existing := make([]byte, 20)
	fill(existing[:10], 'A')
	require.NoError(t, afero.WriteFile(fs, "/dst/7.out", existing, 0o644))

	opts := Options{DirectWrite: true, Preallocate: true}
	w := NewArticleWriter(fs, c, opts, fi, fi.Articles[1], "/dst")
	require.NoError(t, w.Start())
	_, err := w.Write([]byte("BBBBBBBBBB"))
	require.NoError(t, err)
	require.NoError(t, w.Finish(true))

	data, err := afero.ReadFile(fs, "/dst/7.out")
	require.NoError(t, err)
	require.Len(t, data, 20)
	// Bytes finished before the restart survive the reopen.
	assert.Equal(t, byte('A'), data[0])
	assert.Equal(t, byte('A'), data[9])
	assert.Equal(t, byte('B'), data[10])
}
