// Package chunk splits parsed diffs into token-budgeted chunks for LLM
// dispatch. Packing is greedy over whole files, splitting at hunk and then
// line-group boundaries only when a single unit exceeds the budget. Chunk
// ids are deterministic over (review id, ordinal, payload) so retries and
// other instances derive identical ids for identical content.
package chunk

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/wosledon/aireview/diff"
	"github.com/wosledon/aireview/tokens"
)

// Config holds the chunking budgets.
type Config struct {
	// TargetTokens is the ideal chunk size in tokens.
	TargetTokens int

	// MaxTokens is the hard per-chunk limit; only an unsplittable line
	// group may exceed it.
	MaxTokens int

	// MinTokens is the minimum chunk size; smaller trailing chunks are
	// merged into their neighbour.
	MinTokens int
}

// DefaultConfig returns the standard budgets.
func DefaultConfig() Config {
	return Config{
		TargetTokens: 3000,
		MaxTokens:    4500,
		MinTokens:    200,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.MinTokens <= 0 {
		return fmt.Errorf("MinTokens must be positive, got %d", c.MinTokens)
	}
	if c.TargetTokens <= 0 {
		return fmt.Errorf("TargetTokens must be positive, got %d", c.TargetTokens)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("MaxTokens must be positive, got %d", c.MaxTokens)
	}
	if c.MinTokens >= c.TargetTokens {
		return fmt.Errorf("MinTokens (%d) must be less than TargetTokens (%d)", c.MinTokens, c.TargetTokens)
	}
	if c.TargetTokens > c.MaxTokens {
		return fmt.Errorf("TargetTokens (%d) must not exceed MaxTokens (%d)", c.TargetTokens, c.MaxTokens)
	}
	return nil
}

// Chunk is one dispatchable unit of diff content.
type Chunk struct {
	// ID is derived from (review id, ordinal, payload hash); identical
	// content always yields the identical id.
	ID string

	ReviewID int64

	// Ordinal is the chunk's position in emission order.
	Ordinal int

	// Files lists the paths whose content this chunk carries.
	Files []string

	// TokenEstimate is the payload's estimated token count.
	TokenEstimate int

	// Payload is unified diff text ready for prompt embedding.
	Payload string
}

// Chunker packs diffs into chunks.
type Chunker struct {
	config Config
}

// New creates a Chunker with the given configuration. A zero TargetTokens
// selects the defaults. Returns an error if the configuration is invalid.
func New(cfg Config) (*Chunker, error) {
	if cfg.TargetTokens == 0 {
		cfg = DefaultConfig()
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = cfg.TargetTokens + cfg.TargetTokens/2
	}
	if cfg.MinTokens == 0 {
		cfg.MinTokens = DefaultConfig().MinTokens
		if cfg.MinTokens >= cfg.TargetTokens {
			cfg.MinTokens = cfg.TargetTokens / 4
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{config: cfg}, nil
}

// MustNew creates a Chunker, panicking on invalid config. Use for
// known-good configurations.
func MustNew(cfg Config) *Chunker {
	c, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// NewDefault creates a Chunker with default configuration.
func NewDefault() *Chunker {
	return MustNew(DefaultConfig())
}

// Split packs a change set into chunks. An empty change set yields no
// chunks. A change set consisting only of binary files yields one
// synthetic summary chunk so the review still records what changed.
func (c *Chunker) Split(reviewID int64, files []diff.File) []Chunk {
	var text, binary []diff.File
	for _, f := range files {
		switch {
		case f.IsBinary:
			binary = append(binary, f)
		case len(f.Hunks) == 0:
			// Mode-only or pure-rename entries carry nothing reviewable.
		default:
			text = append(text, f)
		}
	}

	if len(text) == 0 {
		if len(binary) == 0 {
			return nil
		}
		return c.finalize(reviewID, []piece{binarySummary(binary)})
	}

	var pieces []piece
	var cur piece
	flush := func() {
		if cur.tokens > 0 {
			pieces = append(pieces, cur)
			cur = piece{}
		}
	}

	for _, f := range text {
		var b strings.Builder
		f.Render(&b)
		rendered := b.String()
		ft := tokens.Estimate(rendered)

		if ft > c.config.MaxTokens {
			flush()
			pieces = append(pieces, c.splitFile(f)...)
			continue
		}
		if cur.tokens > 0 && cur.tokens+ft > c.config.TargetTokens {
			flush()
		}
		cur.add(f.Path, rendered, ft)
	}
	flush()

	return c.finalize(reviewID, c.mergeSmall(pieces))
}

// piece is a chunk payload under construction.
type piece struct {
	files   []string
	payload string
	tokens  int
}

func (p *piece) add(path, rendered string, tokenCount int) {
	if len(p.files) == 0 || p.files[len(p.files)-1] != path {
		p.files = append(p.files, path)
	}
	p.payload += rendered
	p.tokens += tokenCount
}

// splitFile breaks one oversized file at hunk boundaries, and oversized
// hunks at line-group boundaries. Every resulting piece repeats the file
// header so the model always sees which file it is looking at.
func (c *Chunker) splitFile(f diff.File) []piece {
	header := f.Header()
	headerTokens := tokens.Estimate(header)

	var pieces []piece
	var cur piece
	flush := func() {
		if cur.tokens > 0 {
			pieces = append(pieces, cur)
			cur = piece{}
		}
	}

	for _, h := range f.Hunks {
		var b strings.Builder
		h.Render(&b)
		rendered := b.String()
		ht := tokens.Estimate(rendered)

		if headerTokens+ht > c.config.MaxTokens {
			flush()
			for _, sub := range c.splitHunk(h) {
				var sb strings.Builder
				sub.Render(&sb)
				p := piece{}
				p.add(f.Path, header+sb.String(), headerTokens+tokens.Estimate(sb.String()))
				pieces = append(pieces, p)
			}
			continue
		}

		if cur.tokens > 0 && cur.tokens+ht > c.config.TargetTokens {
			flush()
		}
		if cur.tokens == 0 {
			cur.add(f.Path, header, headerTokens)
		}
		cur.add(f.Path, rendered, ht)
	}
	flush()
	return pieces
}

// splitHunk cuts an oversized hunk into sub-hunks at line-group boundaries.
// A maximal run of consecutive removed and added lines forms one group, so
// a deletion is never separated from its replacement. A group larger than
// the budget is emitted whole; exceeding the budget beats lying about a
// change.
func (c *Chunker) splitHunk(h diff.Hunk) []diff.Hunk {
	groups := groupLines(h.Lines)

	budget := c.config.TargetTokens
	var subs []diff.Hunk
	var lines []diff.Line
	var used int

	flush := func() {
		if len(lines) > 0 {
			subs = append(subs, diff.NewHunk(lines))
			lines = nil
			used = 0
		}
	}

	for _, g := range groups {
		gt := groupTokens(g)
		if used > 0 && used+gt > budget {
			flush()
		}
		lines = append(lines, g...)
		used += gt
	}
	flush()
	return subs
}

// groupLines partitions hunk lines into indivisible groups: each context
// line alone, each maximal run of Del/Add lines together.
func groupLines(lines []diff.Line) [][]diff.Line {
	var groups [][]diff.Line
	i := 0
	for i < len(lines) {
		if lines[i].Kind == diff.LineCtx {
			groups = append(groups, lines[i:i+1])
			i++
			continue
		}
		j := i
		for j < len(lines) && lines[j].Kind != diff.LineCtx {
			j++
		}
		groups = append(groups, lines[i:j])
		i = j
	}
	return groups
}

func groupTokens(g []diff.Line) int {
	n := 0
	for _, l := range g {
		n += tokens.Estimate(l.Text) + 1
	}
	return n
}

// mergeSmall folds pieces below the minimum size into their successor when
// the result stays within the hard limit.
func (c *Chunker) mergeSmall(pieces []piece) []piece {
	if len(pieces) <= 1 {
		return pieces
	}
	var result []piece
	for i := 0; i < len(pieces); i++ {
		p := pieces[i]
		if p.tokens < c.config.MinTokens && i < len(pieces)-1 {
			next := pieces[i+1]
			if p.tokens+next.tokens <= c.config.MaxTokens {
				merged := piece{
					files:   append(p.files, next.files...),
					payload: p.payload + next.payload,
					tokens:  p.tokens + next.tokens,
				}
				pieces[i+1] = merged
				continue
			}
		}
		result = append(result, p)
	}
	return result
}

// finalize assigns ordinals and derives ids in emission order.
func (c *Chunker) finalize(reviewID int64, pieces []piece) []Chunk {
	chunks := make([]Chunk, 0, len(pieces))
	for i, p := range pieces {
		chunks = append(chunks, Chunk{
			ID:            chunkID(reviewID, i, p.payload),
			ReviewID:      reviewID,
			Ordinal:       i,
			Files:         dedupe(p.files),
			TokenEstimate: tokens.Estimate(p.payload),
			Payload:       p.payload,
		})
	}
	return chunks
}

// binarySummary renders the synthetic chunk for an all-binary change set.
func binarySummary(binary []diff.File) piece {
	var b strings.Builder
	b.WriteString("All changed files are binary; no text diff is available.\n\nChanged binary files:\n")
	p := piece{}
	for _, f := range binary {
		fmt.Fprintf(&b, "- %s (%s)\n", f.Path, f.Status)
		p.files = append(p.files, f.Path)
	}
	p.payload = b.String()
	p.tokens = tokens.Estimate(p.payload)
	return p
}

// chunkID derives the deterministic chunk id: a 64-bit content hash over
// the review id, the ordinal and the payload's SHA-256, rendered as hex.
func chunkID(reviewID int64, ordinal int, payload string) string {
	sum := sha256.Sum256([]byte(payload))
	h := xxhash.New()
	fmt.Fprintf(h, "%d|%d|", reviewID, ordinal)
	_, _ = h.Write(sum[:])
	return fmt.Sprintf("%016x", h.Sum64())
}

func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := paths[:0]
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
