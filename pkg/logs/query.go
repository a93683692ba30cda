package logs

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// searchQuery is a parsed query DSL expression: whitespace-separated
// terms, key:value filters, -term excludes, +term requires, quoted
// phrases, and /regex/ whole-query mode.
type searchQuery struct {
	required []string
	excluded []string
	level    string
	stream   string
	regex    *regexp.Regexp
}

func parseQuery(raw string) (*searchQuery, error) {
	raw = strings.TrimSpace(raw)
	q := &searchQuery{}

	if len(raw) >= 2 && strings.HasPrefix(raw, "/") && strings.HasSuffix(raw, "/") {
		re, err := regexp.Compile(raw[1 : len(raw)-1])
		if err != nil {
			return nil, fmt.Errorf("bad regex: %w", err)
		}
		q.regex = re
		return q, nil
	}

	for _, tok := range tokenize(raw) {
		switch {
		case strings.HasPrefix(tok, "level:"):
			q.level = strings.ToLower(strings.TrimPrefix(tok, "level:"))
		case strings.HasPrefix(tok, "stream:"):
			q.stream = strings.ToLower(strings.TrimPrefix(tok, "stream:"))
		case strings.HasPrefix(tok, "-") && len(tok) > 1:
			q.excluded = append(q.excluded, strings.ToLower(tok[1:]))
		case strings.HasPrefix(tok, "+") && len(tok) > 1:
			q.required = append(q.required, strings.ToLower(tok[1:]))
		default:
			if tok != "" {
				q.required = append(q.required, strings.ToLower(tok))
			}
		}
	}
	return q, nil
}

// tokenize splits on whitespace but keeps quoted phrases intact.
func tokenize(raw string) []string {
	var toks []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range raw {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ' ' && !inQuotes:
			if cur.Len() > 0 {
				toks = append(toks, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		toks = append(toks, cur.String())
	}
	return toks
}

func (q *searchQuery) matches(e Entry) bool {
	if q.regex != nil {
		return q.regex.MatchString(e.Message)
	}
	if q.level != "" && e.Level != q.level {
		return false
	}
	if q.stream != "" && e.Stream != q.stream {
		return false
	}
	lower := strings.ToLower(e.Message)
	for _, term := range q.required {
		if !strings.Contains(lower, term) {
			return false
		}
	}
	for _, term := range q.excluded {
		if strings.Contains(lower, term) {
			return false
		}
	}
	return true
}

// searchIndex tracks per-container facets (level counts, top error
// patterns) incrementally as entries are appended; full query
// matching itself falls back to scanning the buffered entries, per
// spec.md §4.7.
type searchIndex struct {
	levelCounts  map[string]int
	errorPattern map[string]int
	total        int
	builtAt      time.Time
}

func newSearchIndex() *searchIndex {
	return &searchIndex{
		levelCounts:  make(map[string]int),
		errorPattern: make(map[string]int),
		builtAt:      time.Now(),
	}
}

func (idx *searchIndex) add(e Entry) {
	idx.total++
	idx.levelCounts[e.Level]++
	if pattern, ok := extractErrorPattern(e.Message); ok {
		idx.errorPattern[pattern]++
	}
}

// rebuild discards the facet counters and recomputes them from entries,
// the ring buffer's current contents. Used by the periodic reindex task
// so facets stay correct once old entries age out of the ring.
func (idx *searchIndex) rebuild(entries []Entry) {
	idx.levelCounts = make(map[string]int)
	idx.errorPattern = make(map[string]int)
	idx.total = 0
	for _, e := range entries {
		idx.add(e)
	}
	idx.builtAt = time.Now()
}

func (idx *searchIndex) search(q *searchQuery, entries []Entry) []Entry {
	var out []Entry
	for _, e := range entries {
		if q.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Facets summarizes an index for the search response.
type Facets struct {
	Levels        map[string]int `json:"levels"`
	TopErrors     []ErrorPattern `json:"topErrors"`
	TimeRanges    []string       `json:"timeRangeBuckets"`
}

// ErrorPattern is a normalized error signature with its occurrence count.
type ErrorPattern struct {
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

func (idx *searchIndex) facets() Facets {
	f := Facets{
		Levels:     make(map[string]int, len(idx.levelCounts)),
		TimeRanges: []string{"last_hour", "last_24h", "last_7d"},
	}
	for k, v := range idx.levelCounts {
		f.Levels[k] = v
	}

	type kv struct {
		k string
		v int
	}
	pairs := make([]kv, 0, len(idx.errorPattern))
	for k, v := range idx.errorPattern {
		pairs = append(pairs, kv{k, v})
	}
	for i := 0; i < len(pairs); i++ {
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].v > pairs[i].v {
				pairs[i], pairs[j] = pairs[j], pairs[i]
			}
		}
	}
	if len(pairs) > 10 {
		pairs = pairs[:10]
	}
	for _, p := range pairs {
		f.TopErrors = append(f.TopErrors, ErrorPattern{Pattern: p.k, Count: p.v})
	}
	return f
}

var errorAnchors = []string{"Error:", "Exception:", "Failed to", "Cannot", "Unable to", "Timeout"}

var (
	numberPattern = regexp.MustCompile(`\d+`)
	quotedPattern = regexp.MustCompile(`"[^"]*"|'[^']*'`)
)

// extractErrorPattern normalizes the dynamic parts of a message anchored
// by a known error phrase, so repeated occurrences of the same underlying
// error collapse into one signature.
func extractErrorPattern(message string) (string, bool) {
	anchorIdx := -1
	for _, anchor := range errorAnchors {
		if idx := strings.Index(message, anchor); idx >= 0 {
			if anchorIdx == -1 || idx < anchorIdx {
				anchorIdx = idx
			}
		}
	}
	if anchorIdx == -1 {
		return "", false
	}

	snippet := message[anchorIdx:]
	if len(snippet) > 100 {
		snippet = snippet[:100]
	}
	snippet = quotedPattern.ReplaceAllString(snippet, "STR")
	snippet = numberPattern.ReplaceAllString(snippet, "N")
	return snippet, true
}

// PerfMetric is a single performance figure recognized in a log line.
type PerfMetric struct {
	Kind  string
	Value float64
	Unit  string
}

var perfPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"response_time", regexp.MustCompile(`(?i)(?:response[ _]?time|latency|duration)\D{0,5}(\d+(?:\.\d+)?)\s*(ms|s)\b`)},
	{"memory", regexp.MustCompile(`(?i)memory\D{0,5}(\d+(?:\.\d+)?)\s*(KB|MB|GB)\b`)},
	{"cpu", regexp.MustCompile(`(?i)cpu\D{0,5}(\d+(?:\.\d+)?)\s*%`)},
	{"throughput", regexp.MustCompile(`(?i)(?:requests|queries)\D{0,5}(\d+(?:\.\d+)?)`)},
}

// ExtractPerfMetrics scans a message for recognized performance figures.
func ExtractPerfMetrics(message string) []PerfMetric {
	var out []PerfMetric
	for _, p := range perfPatterns {
		m := p.re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		val, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		unit := ""
		if len(m) > 2 {
			unit = m[2]
		}
		out = append(out, PerfMetric{Kind: p.kind, Value: val, Unit: unit})
	}
	return out
}

func decodeJSONLine(raw string, v *jsonLine) error {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("not json")
	}
	return json.Unmarshal([]byte(trimmed), v)
}

func contextWithStop(stop chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
