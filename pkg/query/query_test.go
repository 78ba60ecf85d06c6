package query

import "testing"

type attrs struct {
	s map[string]string
	n map[string]int64
}

func (a attrs) String(k string) (string, bool) { v, ok := a.s[k]; return v, ok }
func (a attrs) Number(k string) (int64, bool)  { v, ok := a.n[k]; return v, ok }

func TestString(t *testing.T) {
	p := Type("diagram").Eq("wallet", "0xabc").Gte("timestamp", 100).EqNum("version", 2)
	want := `type = "diagram" && wallet = "0xabc" && timestamp >= 100 && version = 2`
	if got := p.String(); got != want {
		t.Fatalf("String() = %s, want %s", got, want)
	}
	if err := p.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
}

func TestString_EscapesLiterals(t *testing.T) {
	p := New().Eq("title", `x" || type = "user_config`)
	want := `title = "x\" || type = \"user_config"`
	if got := p.String(); got != want {
		t.Fatalf("String() = %s, want %s", got, want)
	}
}

func TestInvalid(t *testing.T) {
	if err := New().Err(); err == nil {
		t.Error("empty predicate must be invalid")
	}
	p := Type("diagram").Eq("bad name", "x").Eq("ok", "y")
	if err := p.Err(); err == nil {
		t.Error("invalid attribute must be reported")
	}
	if len(p.Clauses()) != 1 {
		t.Errorf("clauses after error = %d, want 1", len(p.Clauses()))
	}
	if p.Matches(attrs{s: map[string]string{"type": "diagram", "ok": "y"}}) {
		t.Error("invalid predicate must not match")
	}
}

func TestMatches(t *testing.T) {
	a := attrs{
		s: map[string]string{"type": "diagram", "id": "d1"},
		n: map[string]int64{"timestamp": 50, "version": 1},
	}
	cases := []struct {
		p    *Predicate
		want bool
	}{
		{Type("diagram"), true},
		{Type("diagram").Eq("id", "d1"), true},
		{Type("diagram").Eq("id", "d2"), false},
		{Type("diagram").Gte("timestamp", 50), true},
		{Type("diagram").Gte("timestamp", 51), false},
		{Type("diagram").EqNum("version", 1), true},
		{Type("diagram").Eq("missing", ""), false},
		{Type("diagram").Gte("missing", 0), false},
	}
	for _, c := range cases {
		if got := c.p.Matches(a); got != c.want {
			t.Errorf("%s: Matches = %v, want %v", c.p, got, c.want)
		}
	}
}
