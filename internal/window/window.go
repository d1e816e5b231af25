// Package window assembles the bounded context sent to the reasoning
// loop: it deduplicates repeated turns, condenses overflow history into a
// single summary message, and truncates oversized entries. Assembly is a
// pure function of its inputs, so identical calls produce identical
// output. Summaries live only in the assembled context, never in the
// persisted session log.
package window

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"unicode"

	"github.com/dataquill/quill-agent/internal/session"
)

// SummaryMarker prefixes every summary message so later assemblies can
// recognize and exclude prior summaries from re-summarization.
const SummaryMarker = "[conversation summary]"

// Ellipsis suffixes truncated message content.
const Ellipsis = "..."

// condensedLineChars caps each history line inside a summary.
const condensedLineChars = 160

// Config controls assembly bounds.
type Config struct {
	MaxTurns        int // summarize when deduplicated history exceeds this
	KeepRecent      int // turns kept verbatim when summarizing
	MaxMessageChars int // per-message content budget
}

// Builder assembles bounded contexts.
type Builder struct {
	cfg    Config
	logger *slog.Logger
}

// Assembled is the output of one assembly pass.
type Assembled struct {
	Messages   []session.Message
	Summarized int // turns condensed into the summary message, 0 if none
}

// New creates a context builder. Zero config fields get defaults.
func New(cfg Config, logger *slog.Logger) *Builder {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 30
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = 10
	}
	if cfg.KeepRecent > cfg.MaxTurns {
		cfg.KeepRecent = cfg.MaxTurns
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = 8000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{cfg: cfg, logger: logger}
}

// Assemble produces the bounded ordered message list for one reasoning
// pass over the given history plus the new user question.
func (b *Builder) Assemble(history []session.Message, question string) Assembled {
	deduped := dedupe(history)

	var out []session.Message
	summarized := 0

	if len(deduped) > b.cfg.MaxTurns {
		cut := len(deduped) - b.cfg.KeepRecent
		older, recent := deduped[:cut], deduped[cut:]

		summary, count := b.condense(older)
		if count > 0 {
			out = append(out, session.Message{
				Role:    "system",
				Content: summary,
			})
			summarized = count
		}
		out = append(out, recent...)
	} else {
		out = append(out, deduped...)
	}

	for i := range out {
		out[i].Content = TruncateAtWord(out[i].Content, b.cfg.MaxMessageChars)
	}

	// Append the question unless its (role, content) already appears in
	// the assembled context: the caller persists it to the log before
	// assembling, and a re-asked question must not show up twice.
	q := session.Message{Role: "user", Content: TruncateAtWord(question, b.cfg.MaxMessageChars)}
	qh := contentHash(q)
	present := false
	for _, m := range out {
		if contentHash(m) == qh {
			present = true
			break
		}
	}
	if !present {
		out = append(out, q)
	}

	return Assembled{
		Messages:   b.validate(out),
		Summarized: summarized,
	}
}

// dedupe drops later messages whose (role, content) repeats an earlier
// one, preserving first-occurrence order.
func dedupe(history []session.Message) []session.Message {
	seen := make(map[uint64]struct{}, len(history))
	out := make([]session.Message, 0, len(history))
	for _, m := range history {
		h := contentHash(m)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, m)
	}
	return out
}

// condense builds one summary message from the overflow range. Messages
// that are themselves summaries are excluded from the source so summary
// text is never re-summarized. Returns the summary content and the
// number of source messages it covers.
func (b *Builder) condense(older []session.Message) (string, int) {
	var lines []string
	count := 0
	for _, m := range older {
		if IsSummary(m) {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		line := fmt.Sprintf("%s: %s", m.Role, TruncateAtWord(content, condensedLineChars))
		lines = append(lines, line)
		count++
	}
	if count == 0 {
		return "", 0
	}

	summary := SummaryMarker + " Earlier conversation, condensed:\n" + strings.Join(lines, "\n")
	return summary, count
}

// IsSummary reports whether a message is an assembly-generated summary.
func IsSummary(m session.Message) bool {
	return m.Role == "system" && strings.HasPrefix(m.Content, SummaryMarker)
}

// TruncateAtWord cuts s at the last whitespace boundary at-or-before
// limit and appends the ellipsis marker. It never splits a word; content
// at or under the limit is returned unchanged.
func TruncateAtWord(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}

	cut := -1
	for i, r := range s {
		if i > limit {
			break
		}
		if unicode.IsSpace(r) {
			cut = i
		}
	}
	if cut <= 0 {
		// No usable boundary inside the budget; a hard cut would split
		// the leading word, so keep it whole up to the limit's rune edge.
		cut = limit
		for cut > 0 && cut < len(s) && !isRuneStart(s[cut]) {
			cut--
		}
	}

	return strings.TrimRight(s[:cut], " \t\n") + Ellipsis
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// validate drops malformed entries (empty role or content) with a
// warning. Partial context beats no context.
func (b *Builder) validate(msgs []session.Message) []session.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if m.Role == "" || m.Content == "" {
			b.logger.Warn("dropping malformed context entry",
				"role", m.Role,
				"content_len", len(m.Content),
			)
			continue
		}
		out = append(out, m)
	}
	return out
}

// contentHash is a stable hash over (role, content) used for both
// deduplication and the trailing-question check.
func contentHash(m session.Message) uint64 {
	h := fnv.New64a()
	h.Write([]byte(m.Role))
	h.Write([]byte{0})
	h.Write([]byte(m.Content))
	return h.Sum64()
}
