package filter

import (
	"testing"

	"github.com/subcog/subcog/internal/models"
)

func TestParseNamespaceAndDomain(t *testing.T) {
	f, err := Parse("ns:decisions domain:project:demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Namespace != models.NamespaceDecisions || f.Domain != "project:demo" {
		t.Fatalf("unexpected filter: %+v", f)
	}
}

func TestParseNamespaceWildcardIsUnconstrained(t *testing.T) {
	f, err := Parse("ns:_")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Namespace != "" {
		t.Fatalf("expected the ns wildcard to leave Namespace unconstrained, got %q", f.Namespace)
	}
}

func TestParseDomainWildcardIsUnconstrained(t *testing.T) {
	f, err := Parse("domain:_")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Domain != "" {
		t.Fatalf("expected the domain wildcard to leave Domain unconstrained, got %q", f.Domain)
	}
}

func TestParseWildcardCombinedWithOtherTokens(t *testing.T) {
	f, err := Parse("ns:_ domain:_ tag:storage,cache")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Namespace != "" || f.Domain != "" {
		t.Fatalf("expected wildcards to leave both fields unconstrained, got %+v", f)
	}
	if len(f.TagsInclude) != 1 || len(f.TagsInclude[0]) != 2 {
		t.Fatalf("expected the tag token to still parse, got %+v", f.TagsInclude)
	}
}

func TestParseUnknownTokenIsInvalid(t *testing.T) {
	if _, err := Parse("bogus:value"); err == nil {
		t.Fatal("expected an error for an unknown filter token")
	}
}

func TestParseMalformedTokenIsInvalid(t *testing.T) {
	if _, err := Parse("ns"); err == nil {
		t.Fatal("expected an error for a token missing its value")
	}
}

func TestMatchesTagsAndAcrossOrWithin(t *testing.T) {
	include := [][]string{{"storage", "db"}, {"prod"}}
	if !MatchesTags(include, nil, []string{"storage", "prod"}) {
		t.Fatal("expected a match: storage satisfies the first group, prod the second")
	}
	if MatchesTags(include, nil, []string{"storage"}) {
		t.Fatal("expected no match: the second group (prod) is unsatisfied")
	}
}

func TestMatchesTagsExclude(t *testing.T) {
	if MatchesTags(nil, []string{"deprecated"}, []string{"storage", "deprecated"}) {
		t.Fatal("expected exclude tag to veto the match")
	}
}
