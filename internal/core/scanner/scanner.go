// Package scanner applies named regular expressions over arbitrarily long
// text in bounded windows.
//
// Each window owns ChunkSize bytes and is extended by MaxMatchLength bytes of
// look-ahead and the same amount of already scanned text as look-behind. A
// match is kept only when it starts inside the owned region and does not
// overlap a match already kept, so a match no longer than MaxMatchLength that
// straddles a window boundary is reported exactly once, and anchors such as
// \b and ^ see the text before the cut. Longer matches crossing a boundary
// may be truncated or missed.
package scanner

import (
	"unicode/utf8"
)

const (
	DefaultChunkSize      = 64 << 10
	DefaultMaxMatchLength = 256
	minChunkSize          = 16
)

type Config struct {
	ChunkSize      int
	MaxMatchLength int
}

type Scanner struct {
	chunk   int
	overlap int
}

func New(cfg Config) *Scanner {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize < minChunkSize {
		cfg.ChunkSize = minChunkSize
	}
	if cfg.MaxMatchLength <= 0 {
		cfg.MaxMatchLength = DefaultMaxMatchLength
	}
	// at least one full rune of context on each side of a cut
	if cfg.MaxMatchLength < utf8.UTFMax {
		cfg.MaxMatchLength = utf8.UTFMax
	}
	return &Scanner{chunk: cfg.ChunkSize, overlap: cfg.MaxMatchLength}
}

// ChunkSize is the number of bytes each window owns.
func (s *Scanner) ChunkSize() int { return s.chunk }

// MaxMatchLength is the look-ahead and look-behind applied around each window.
func (s *Scanner) MaxMatchLength() int { return s.overlap }

// Scan returns deduplicated matches per pattern name in first-seen order.
func (s *Scanner) Scan(text string, set PatternSet) map[string][]string {
	acc := s.NewAccumulator(set)
	acc.Feed(text)
	return acc.Flush()
}

// Accumulator runs the windowed scan incrementally. Feeding text piecewise
// and flushing yields the same matches as Scan over the concatenation.
// Only about ChunkSize+2*MaxMatchLength bytes are buffered at a time.
type Accumulator struct {
	s   *Scanner
	set PatternSet

	buf  string // text from absolute offset base onwards
	base int
	ctx  int // leading bytes of buf already owned by an earlier window

	lastEnd []int // per pattern, absolute end of the last kept match
	seen    []map[string]struct{}
	matches [][]string
}

func (s *Scanner) NewAccumulator(set PatternSet) *Accumulator {
	a := &Accumulator{
		s:       s,
		set:     set,
		lastEnd: make([]int, len(set)),
		seen:    make([]map[string]struct{}, len(set)),
		matches: make([][]string, len(set)),
	}
	for i := range set {
		a.seen[i] = make(map[string]struct{})
	}
	return a
}

// Feed appends text and scans every window that is now complete.
func (a *Accumulator) Feed(text string) {
	if len(a.set) == 0 {
		return
	}
	a.buf += text
	for len(a.buf)-a.ctx > a.s.chunk+a.s.overlap {
		a.window()
	}
}

// Flush scans whatever is buffered and returns the results. The accumulator
// must not be fed afterwards.
func (a *Accumulator) Flush() map[string][]string {
	for len(a.buf) > a.ctx && len(a.set) > 0 {
		a.window()
	}
	out := make(map[string][]string, len(a.set))
	for i, p := range a.set {
		m := a.matches[i]
		if m == nil {
			m = []string{}
		}
		out[p.Name] = m
	}
	return out
}

// window scans the window owned from buf[ctx:] and advances past it, keeping
// the tail of the owned region as look-behind for the next window.
func (a *Accumulator) window() {
	lo := a.ctx
	hi := lo + a.s.chunk
	if hi >= len(a.buf) {
		hi = len(a.buf)
	} else {
		hi = alignRune(a.buf, hi)
	}

	limit := hi + a.s.overlap
	if limit >= len(a.buf) {
		limit = len(a.buf)
	} else {
		limit = alignRune(a.buf, limit)
	}

	win := a.buf[:limit]
	for i, p := range a.set {
		a.scanPattern(i, p, win, lo, hi)
	}

	keep := hi - a.s.overlap
	if keep < 0 {
		keep = 0
	}
	for keep > 0 && !utf8.RuneStart(a.buf[keep]) {
		keep--
	}
	a.buf = a.buf[keep:]
	a.base += keep
	a.ctx = hi - keep
}

// scanPattern keeps matches of p that start in win[lo:hi]. Matches starting
// in the look-behind were already considered by the previous window.
func (a *Accumulator) scanPattern(i int, p Pattern, win string, lo, hi int) {
	grouped := p.Re.NumSubexp() > 0
	for _, loc := range p.Re.FindAllStringSubmatchIndex(win, -1) {
		start, end := loc[0], loc[1]
		if start >= hi {
			break
		}
		if start < lo || end == start || a.base+start < a.lastEnd[i] {
			continue
		}
		a.lastEnd[i] = a.base + end

		value := win[start:end]
		if grouped {
			if loc[2] < 0 {
				continue
			}
			value = win[loc[2]:loc[3]]
		}
		if _, dup := a.seen[i][value]; dup {
			continue
		}
		a.seen[i][value] = struct{}{}
		a.matches[i] = append(a.matches[i], value)
	}
}

// alignRune moves pos back to the start of the rune containing it. Positions
// that would collapse to zero move forward instead.
func alignRune(s string, pos int) int {
	p := pos
	for p > 0 && !utf8.RuneStart(s[p]) {
		p--
	}
	if p > 0 {
		return p
	}
	p = pos
	for p < len(s) && !utf8.RuneStart(s[p]) {
		p++
	}
	return p
}
