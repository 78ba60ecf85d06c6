// Package search ranks already-fetched documents against a structured query.
// It holds no index: the caller supplies the candidate set.
package search

import (
	"html"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"drawchain/pkg/domain"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
	MaxTags      = 20

	titleWeight   = 2.0
	contentWeight = 1.0
	minWordLen    = 3
	maxLabelLen   = 32
)

type SortKey string

const (
	SortScore     SortKey = "score"
	SortTitle     SortKey = "title"
	SortAuthor    SortKey = "author"
	SortTimestamp SortKey = "timestamp"
)

type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

type Query struct {
	Text      string   `json:"query,omitempty"`
	Title     string   `json:"title,omitempty"`
	Author    string   `json:"author,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	From      int64    `json:"from,omitempty"`
	To        int64    `json:"to,omitempty"`
	MinSizeKB int      `json:"min_size_kb,omitempty"`
	MaxSizeKB int      `json:"max_size_kb,omitempty"`
	Encrypted *bool    `json:"encrypted,omitempty"`
	SortBy    SortKey  `json:"sort_by,omitempty"`
	Order     Order    `json:"order,omitempty"`
	Offset    int      `json:"offset,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

// Candidate is one document offered for ranking. Content is the plaintext
// payload, left empty for encrypted documents.
type Candidate struct {
	Meta    domain.DocumentMetadata
	Content string
}

type Hit struct {
	domain.DocumentMetadata
	Score float64  `json:"score"`
	Tags  []string `json:"tags,omitempty"`
}

type Result struct {
	Hits   []Hit `json:"results"`
	Total  int   `json:"total"`
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
}

var (
	tagsAttr = regexp.MustCompile(`tags="([^"]*)"`)
	valAttr  = regexp.MustCompile(`value="([^"]*)"`)
	hashtag  = regexp.MustCompile(`(?:^|\s)#([\p{L}\p{N}_-]{2,})`)
	markup   = regexp.MustCompile(`<[^>]*>`)
)

// Search filters, scores, sorts and paginates candidates.
func Search(candidates []Candidate, q Query) Result {
	n := newNormalizer()
	text := n.norm(q.Text)
	title := n.norm(q.Title)
	author := n.norm(q.Author)
	var wantTags []string
	for _, t := range q.Tags {
		if t = n.norm(t); t != "" {
			wantTags = append(wantTags, t)
		}
	}

	var hits []Hit
	for _, c := range candidates {
		m := c.Meta
		if author != "" && n.norm(m.Author) != author {
			continue
		}
		if q.From > 0 && m.Timestamp < q.From {
			continue
		}
		if q.To > 0 && m.Timestamp > q.To {
			continue
		}
		if q.MinSizeKB > 0 && m.SizeKB < q.MinSizeKB {
			continue
		}
		if q.MaxSizeKB > 0 && m.SizeKB > q.MaxSizeKB {
			continue
		}
		if q.Encrypted != nil && m.Encrypted != *q.Encrypted {
			continue
		}
		content := ""
		var tags []string
		if !m.Encrypted {
			content = n.norm(c.Content)
			tags = ExtractTags(c.Content)
		}
		docTitle := n.norm(m.Title)

		var score float64
		if title != "" {
			s := fieldScore(docTitle, title)
			if s == 0 {
				continue
			}
			score += titleWeight * s
		}
		if len(wantTags) > 0 {
			matched := 0
			for _, want := range wantTags {
				for _, have := range tags {
					if n.norm(have) == want {
						matched++
						break
					}
				}
			}
			if matched == 0 {
				continue
			}
			score += float64(matched) / float64(len(wantTags))
		}
		if text != "" {
			s := titleWeight*fieldScore(docTitle, text) + contentWeight*fieldScore(content, text)
			if s == 0 {
				continue
			}
			score += s
		}
		hits = append(hits, Hit{DocumentMetadata: m, Score: score, Tags: tags})
	}

	sortHits(hits, q.SortBy, q.Order, n)

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	total := len(hits)
	page := []Hit{}
	if offset < total {
		end := offset + limit
		if end > total {
			end = total
		}
		page = hits[offset:end]
	}
	return Result{Hits: page, Total: total, Offset: offset, Limit: limit}
}

// fieldScore is 1 for a whole-query substring match, otherwise the share of
// query words (three runes or longer) present in the field.
func fieldScore(field, q string) float64 {
	if field == "" || q == "" {
		return 0
	}
	if strings.Contains(field, q) {
		return 1
	}
	qw := significantWords(q)
	if len(qw) == 0 {
		return 0
	}
	fw := make(map[string]struct{})
	for _, w := range words(field) {
		fw[w] = struct{}{}
	}
	matched := 0
	for _, w := range qw {
		if _, ok := fw[w]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(qw))
}

func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func significantWords(s string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range words(s) {
		if utf8.RuneCountInString(w) < minWordLen {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func sortHits(hits []Hit, key SortKey, order Order, n *normalizer) {
	if key == "" {
		key = SortScore
	}
	if order == "" {
		order = Desc
		if key == SortTitle || key == SortAuthor {
			order = Asc
		}
	}
	cmp := func(a, b Hit) int {
		switch key {
		case SortTitle:
			return strings.Compare(n.norm(a.Title), n.norm(b.Title))
		case SortAuthor:
			return strings.Compare(n.norm(a.Author), n.norm(b.Author))
		case SortTimestamp:
			return compareInt(a.Timestamp, b.Timestamp)
		default:
			switch {
			case a.Score < b.Score:
				return -1
			case a.Score > b.Score:
				return 1
			}
			return 0
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		c := cmp(hits[i], hits[j])
		if c == 0 {
			return hits[i].ID < hits[j].ID
		}
		if order == Desc {
			return c > 0
		}
		return c < 0
	})
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// ExtractTags pulls up to MaxTags tags out of diagram markup: tags="…"
// attributes, short value="…" labels and #hashtags, in order of appearance.
func ExtractTags(content string) []string {
	if content == "" {
		return nil
	}
	n := newNormalizer()
	seen := make(map[string]struct{})
	var out []string
	add := func(t string) bool {
		t = strings.TrimSpace(t)
		if t == "" || utf8.RuneCountInString(t) > maxLabelLen {
			return len(out) < MaxTags
		}
		k := n.norm(t)
		if _, dup := seen[k]; dup {
			return len(out) < MaxTags
		}
		seen[k] = struct{}{}
		out = append(out, t)
		return len(out) < MaxTags
	}
	for _, m := range tagsAttr.FindAllStringSubmatch(content, -1) {
		for _, t := range strings.FieldsFunc(html.UnescapeString(m[1]), func(r rune) bool {
			return r == ',' || r == ';' || unicode.IsSpace(r)
		}) {
			if !add(t) {
				return out
			}
		}
	}
	for _, m := range valAttr.FindAllStringSubmatch(content, -1) {
		label := markup.ReplaceAllString(html.UnescapeString(m[1]), " ")
		label = strings.Join(strings.Fields(html.UnescapeString(label)), " ")
		if !add(label) {
			return out
		}
	}
	for _, m := range hashtag.FindAllStringSubmatch(content, -1) {
		if !add(m[1]) {
			return out
		}
	}
	return out
}

// normalizer applies NFKC and Unicode case folding. A cases.Caser is not safe
// for concurrent use, so each search builds its own.
type normalizer struct {
	fold cases.Caser
}

func newNormalizer() *normalizer {
	return &normalizer{fold: cases.Fold()}
}
func (n *normalizer) norm(s string) string {
	return strings.TrimSpace(n.fold.String(norm.NFKC.String(s)))
}
