package diskstate

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// StateVersion is the version written by this build. The loader accepts all
// versions from VersionFloor up to StateVersion and dispatches per field.
const (
	StateVersion = 57
	VersionFloor = 47
)

const signaturePrefix = "nzbget diskstate file version "

// writer emits the line-oriented state format. Errors are sticky; callers
// check Err once after the last field.
type writer struct {
	w   *bufio.Writer
	err error
}

func newWriter(w io.Writer) *writer {
	return &writer{w: bufio.NewWriter(w)}
}

func (w *writer) signature() {
	w.linef("%s%d", signaturePrefix, StateVersion)
}

func (w *writer) linef(format string, args ...interface{}) {
	if w.err != nil {
		return
	}
	_, w.err = fmt.Fprintf(w.w, format+"\n", args...)
}

// int64Pair writes a 64-bit quantity as two unsigned 32-bit halves.
func (w *writer) int64Pair(v int64) {
	w.linef("%d,%d", uint32(uint64(v)>>32), uint32(uint64(v)))
}

func (w *writer) boolVal(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (w *writer) flush() error {
	if w.err != nil {
		return w.err
	}
	return w.w.Flush()
}

// reader parses the line-oriented state format. The version read from the
// signature drives per-field conditionals in the callers.
type reader struct {
	s       *bufio.Scanner
	version int
	err     error
}

func newReader(r io.Reader) *reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &reader{s: s}
}

// signature reads and validates the first line. Unknown future versions are
// rejected; versions below the floor require migration via an older build.
func (r *reader) signature() error {
	line, err := r.lineErr()
	if err != nil {
		return fmt.Errorf("missing diskstate signature: %w", err)
	}
	if !strings.HasPrefix(line, signaturePrefix) {
		return fmt.Errorf("invalid diskstate signature %q", line)
	}
	v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, signaturePrefix)))
	if err != nil {
		return fmt.Errorf("invalid diskstate version in %q", line)
	}
	if v > StateVersion {
		return fmt.Errorf("diskstate version %d is newer than supported %d", v, StateVersion)
	}
	if v < VersionFloor {
		return fmt.Errorf("diskstate version %d is too old, please migrate via an older build", v)
	}
	r.version = v
	return nil
}

func (r *reader) lineErr() (string, error) {
	if r.err != nil {
		return "", r.err
	}
	if !r.s.Scan() {
		if err := r.s.Err(); err != nil {
			r.err = err
		} else {
			r.err = io.ErrUnexpectedEOF
		}
		return "", r.err
	}
	return r.s.Text(), nil
}

func (r *reader) line() string {
	line, _ := r.lineErr()
	return line
}

func (r *reader) intVal() int {
	line := r.line()
	if r.err != nil {
		return 0
	}
	v, err := strconv.Atoi(line)
	if err != nil {
		r.err = fmt.Errorf("expected integer, got %q", line)
		return 0
	}
	return v
}

// ints reads a comma-separated group of exactly n integers from one line.
func (r *reader) ints(n int) []int {
	line := r.line()
	out := make([]int, n)
	if r.err != nil {
		return out
	}
	parts := strings.Split(line, ",")
	if len(parts) < n {
		r.err = fmt.Errorf("expected %d comma-separated integers, got %q", n, line)
		return out
	}
	for i := 0; i < n; i++ {
		v, err := strconv.Atoi(parts[i])
		if err != nil {
			r.err = fmt.Errorf("bad integer group %q", line)
			return out
		}
		out[i] = v
	}
	return out
}

// int64Pair reads a 64-bit quantity stored as two unsigned 32-bit halves.
func (r *reader) int64Pair() int64 {
	line := r.line()
	if r.err != nil {
		return 0
	}
	parts := strings.SplitN(line, ",", 2)
	if len(parts) != 2 {
		r.err = fmt.Errorf("expected hi,lo pair, got %q", line)
		return 0
	}
	hi, err1 := strconv.ParseUint(parts[0], 10, 32)
	lo, err2 := strconv.ParseUint(parts[1], 10, 32)
	if err1 != nil || err2 != nil {
		r.err = fmt.Errorf("bad hi,lo pair %q", line)
		return 0
	}
	return int64(hi<<32 | lo)
}

func (r *reader) uint32Val() uint32 {
	line := r.line()
	if r.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(line, 10, 32)
	if err != nil {
		r.err = fmt.Errorf("expected uint32, got %q", line)
		return 0
	}
	return uint32(v)
}

func (r *reader) boolVal() bool {
	return r.intVal() != 0
}

func (r *reader) Err() error {
	return r.err
}
