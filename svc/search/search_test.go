package search

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawchain/pkg/domain"
)

func doc(id, title, author string, ts int64, content string) Candidate {
	return Candidate{
		Meta:    domain.DocumentMetadata{ID: id, Title: title, Author: author, Timestamp: ts, SizeKB: domain.SizeKB(len(content))},
		Content: content,
	}
}

func ids(r Result) []string {
	out := make([]string, len(r.Hits))
	for i, h := range r.Hits {
		out[i] = h.ID
	}
	return out
}

func TestFieldScore(t *testing.T) {
	assert.Equal(t, 1.0, fieldScore("network topology overview", "topology"))
	assert.Equal(t, 0.5, fieldScore("network topology", "topology database"))
	assert.Equal(t, 0.0, fieldScore("network topology", "db is"))
	assert.Equal(t, 0.0, fieldScore("", "anything"))
}

func TestTitleWeighsDouble(t *testing.T) {
	docs := []Candidate{
		doc("a", "Notes", "alice", 1, `<mxCell value="payment service"/>`),
		doc("b", "Payment Service", "alice", 2, `<mxCell value="gateway"/>`),
	}
	r := Search(docs, Query{Text: "payment service"})
	require.Equal(t, []string{"b", "a"}, ids(r))
	assert.Equal(t, 2.0, r.Hits[0].Score)
	assert.Equal(t, 1.0, r.Hits[1].Score)
}

func TestFreeTextWithoutMatchExcludes(t *testing.T) {
	docs := []Candidate{doc("a", "Kubernetes", "alice", 1, "pods")}
	r := Search(docs, Query{Text: "database"})
	assert.Equal(t, 0, r.Total)
	assert.Empty(t, r.Hits)
}

func TestRequiredTitleFilter(t *testing.T) {
	docs := []Candidate{
		doc("a", "Order flow", "alice", 1, "order"),
		doc("b", "Billing", "alice", 2, "order"),
	}
	r := Search(docs, Query{Title: "order"})
	assert.Equal(t, []string{"a"}, ids(r))
}

func TestTagFilter(t *testing.T) {
	docs := []Candidate{
		doc("a", "One", "alice", 1, `<UserObject tags="infra aws"/>`),
		doc("b", "Two", "alice", 2, `plain text #Infra`),
		doc("c", "Three", "alice", 3, `nothing here`),
	}
	r := Search(docs, Query{Tags: []string{"INFRA"}})
	assert.ElementsMatch(t, []string{"a", "b"}, ids(r))
}

func TestEncryptedContentNotScored(t *testing.T) {
	enc := doc("a", "Secret plan", "alice", 1, "ciphertext mentioning roadmap")
	enc.Meta.Encrypted = true
	docs := []Candidate{enc, doc("b", "Plain", "alice", 2, "roadmap")}
	r := Search(docs, Query{Text: "roadmap"})
	assert.Equal(t, []string{"b"}, ids(r))

	r = Search(docs, Query{Text: "secret"})
	assert.Equal(t, []string{"a"}, ids(r))
	assert.Empty(t, r.Hits[0].Tags)
}

func TestFilters(t *testing.T) {
	small := doc("small", "A", "Alice", 100, "x")
	big := doc("big", "B", "bob", 200, string(make([]byte, 4096)))
	enc := doc("enc", "C", "alice", 300, "y")
	enc.Meta.Encrypted = true
	docs := []Candidate{small, big, enc}

	assert.ElementsMatch(t, []string{"small", "enc"}, ids(Search(docs, Query{Author: "ALICE"})))
	assert.Equal(t, []string{"big"}, ids(Search(docs, Query{From: 150, To: 250})))
	assert.Equal(t, []string{"big"}, ids(Search(docs, Query{MinSizeKB: 2})))
	assert.ElementsMatch(t, []string{"small", "enc"}, ids(Search(docs, Query{MaxSizeKB: 1})))
	yes := true
	assert.Equal(t, []string{"enc"}, ids(Search(docs, Query{Encrypted: &yes})))
}

func TestSortAndTieBreak(t *testing.T) {
	docs := []Candidate{
		doc("c", "beta", "x", 3, ""),
		doc("a", "alpha", "x", 3, ""),
		doc("b", "Alpha", "x", 1, ""),
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids(Search(docs, Query{SortBy: SortTitle})))
	assert.Equal(t, []string{"c", "a", "b"}, ids(Search(docs, Query{SortBy: SortTitle, Order: Desc})))
	assert.Equal(t, []string{"a", "c", "b"}, ids(Search(docs, Query{SortBy: SortTimestamp})))
	assert.Equal(t, []string{"b", "a", "c"}, ids(Search(docs, Query{SortBy: SortTimestamp, Order: Asc})))
}

func TestPagination(t *testing.T) {
	var docs []Candidate
	for i := 0; i < 150; i++ {
		docs = append(docs, doc(fmt.Sprintf("d%03d", i), "t", "x", int64(i), ""))
	}
	r := Search(docs, Query{})
	assert.Equal(t, 150, r.Total)
	assert.Len(t, r.Hits, DefaultLimit)

	r = Search(docs, Query{Limit: 500})
	assert.Len(t, r.Hits, MaxLimit)

	r = Search(docs, Query{SortBy: SortTimestamp, Order: Asc, Offset: 140, Limit: 20})
	assert.Len(t, r.Hits, 10)
	assert.Equal(t, "d140", r.Hits[0].ID)

	r = Search(docs, Query{Offset: 1000})
	assert.Empty(t, r.Hits)
	assert.Equal(t, 150, r.Total)
}

func TestExtractTags(t *testing.T) {
	content := `<mxGraphModel><UserObject label="x" tags="prod, payments"><mxCell/></UserObject>` +
		`<mxCell value="&lt;b&gt;API Gateway&lt;/b&gt;"/>` +
		`<mxCell value="Payments"/>` +
		`<mxCell value=""/>` +
		` #review #prod</mxGraphModel>`
	assert.Equal(t, []string{"prod", "payments", "API Gateway", "review"}, ExtractTags(content))
}

func TestExtractTagsCap(t *testing.T) {
	content := ""
	for i := 0; i < 40; i++ {
		content += fmt.Sprintf(" #tag%02d", i)
	}
	tags := ExtractTags(content)
	assert.Len(t, tags, MaxTags)
	assert.Equal(t, "tag00", tags[0])
}

func TestNormalization(t *testing.T) {
	docs := []Candidate{doc("a", "Ｄｉａｇｒａｍ STRASSE", "x", 1, "")}
	r := Search(docs, Query{Title: "diagram straße"})
	assert.Equal(t, []string{"a"}, ids(r))
}
