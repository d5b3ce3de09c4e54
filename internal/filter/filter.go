// Package filter parses the recall filter grammar described in SPEC_FULL.md
// §6.4: a whitespace-separated token stream consumed into a models.Filter.
package filter

import (
	"strconv"
	"strings"
	"time"

	"github.com/subcog/subcog/internal/kind"
	"github.com/subcog/subcog/internal/models"
	"github.com/subcog/subcog/internal/urn"
)

// Parse tokenizes and validates a filter string. Unknown tokens or malformed
// values produce a typed InvalidInput error, never a partial filter.
func Parse(s string) (models.Filter, error) {
	var f models.Filter
	s = strings.TrimSpace(s)
	if s == "" {
		return f, nil
	}
	for _, tok := range strings.Fields(s) {
		key, val, ok := strings.Cut(tok, ":")
		if !ok || val == "" {
			return models.Filter{}, kind.New(kind.InvalidInput, "filter.Parse", "malformed token: "+tok)
		}
		switch {
		case key == "ns":
			// "_" is the wildcard segment (§6.3): normalize it to the zero
			// value so it is unconstrained, the same meaning Filter already
			// gives an omitted ns: token.
			if val != urn.Wildcard {
				f.Namespace = models.Namespace(val)
			}
		case key == "domain":
			if val != urn.Wildcard {
				f.Domain = val
			}
		case key == "tag":
			f.TagsInclude = append(f.TagsInclude, strings.Split(val, ","))
		case key == "-tag":
			f.TagsExclude = append(f.TagsExclude, strings.Split(val, ",")...)
		case key == "since":
			d, err := parseRelativeDuration(val)
			if err != nil {
				return models.Filter{}, kind.Wrap(err, kind.InvalidInput, "filter.Parse")
			}
			f.Since = time.Now().Add(-d)
		case key == "source":
			f.Source = val
		case key == "status":
			switch val {
			case string(models.StatusActive), string(models.StatusTombstoned), string(models.StatusSuperseded):
				f.Status = models.Status(val)
			default:
				return models.Filter{}, kind.New(kind.InvalidInput, "filter.Parse", "unknown status: "+val)
			}
			if f.Status == models.StatusTombstoned {
				f.IncludeTombstoned = true
			}
		case key == "project":
			f.ProjectID = val
		case key == "branch":
			f.Branch = val
		case key == "path":
			f.Path = val
		case key == "entity":
			f.Entity = val
		default:
			return models.Filter{}, kind.New(kind.InvalidInput, "filter.Parse", "unknown filter token: "+key)
		}
	}
	return f, nil
}

// parseRelativeDuration parses "<N>d|h|m|s" as used by since: tokens and ttl
// request fields (§6.1).
func parseRelativeDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, kind.New(kind.InvalidInput, "filter.parseRelativeDuration", "bad duration: "+s)
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return 0, kind.New(kind.InvalidInput, "filter.parseRelativeDuration", "bad duration: "+s)
	}
	switch unit {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 's':
		return time.Duration(n) * time.Second, nil
	default:
		return 0, kind.New(kind.InvalidInput, "filter.parseRelativeDuration", "unknown unit: "+string(unit))
	}
}

// ParseTTL parses the capture request's ttl field into an absolute expiry
// relative to now. Exposed separately from Parse because ttl is a capture
// request field (§6.1), not a recall filter token.
func ParseTTL(s string) (time.Time, error) {
	d, err := parseRelativeDuration(s)
	if err != nil {
		return time.Time{}, err
	}
	return time.Now().Add(d), nil
}

// MatchesTags applies the AND-across/OR-within semantics of tag: tokens
// against a memory's unordered tag set.
func MatchesTags(include [][]string, exclude []string, tags []string) bool {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[strings.ToLower(t)] = true
	}
	for _, group := range include {
		matched := false
		for _, t := range group {
			if set[strings.ToLower(strings.TrimSpace(t))] {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, t := range exclude {
		if set[strings.ToLower(strings.TrimSpace(t))] {
			return false
		}
	}
	return true
}
