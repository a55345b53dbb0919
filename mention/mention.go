// Package mention extracts addressed personas from free-form message text.
package mention

import (
	"regexp"
	"strings"
)

// Key identifies one persona for matching purposes. Name is the short
// mention key (matched as @name); User is the full account id, matched
// literally, so "please ask @alpha:example.org" also resolves.
type Key struct {
	Name string
	User string
}

// Match is one resolved persona plus the cleaned prompt it should answer.
// When a message mentions several personas, each match carries the same
// prompt with every mention token stripped.
type Match struct {
	Name   string
	Prompt string
}

type entry struct {
	name     string
	patterns []*regexp.Regexp
}

// Resolver matches a fixed persona set. Compile once at startup.
type Resolver struct {
	entries []entry
}

var multiSpace = regexp.MustCompile(` {2,}`)

func New(keys []Key) *Resolver {
	r := &Resolver{}
	for _, k := range keys {
		if k.Name == "" {
			continue
		}
		e := entry{name: k.Name}
		// The full account id strips first so @name doesn't eat its prefix.
		if k.User != "" {
			e.patterns = append(e.patterns, regexp.MustCompile(
				`(?i)(^|[^\w])`+regexp.QuoteMeta(k.User)+`\b[:,]?[ \t]*`))
		}
		// @name anchored at a word boundary, optional trailing ':' or ','.
		e.patterns = append(e.patterns, regexp.MustCompile(
			`(?i)(^|[^\w@])@`+regexp.QuoteMeta(k.Name)+`\b[:,]?[ \t]*`))
		r.entries = append(r.entries, e)
	}
	return r
}

// Resolve returns one match per mentioned persona, or nil when nothing is
// addressed. A prompt that is empty once all mention tokens are stripped
// yields no matches at all.
func (r *Resolver) Resolve(body string) []Match {
	var matched []entry
	for _, e := range r.entries {
		for _, p := range e.patterns {
			if p.MatchString(body) {
				matched = append(matched, e)
				break
			}
		}
	}
	if len(matched) == 0 {
		return nil
	}

	cleaned := body
	for _, e := range matched {
		for _, p := range e.patterns {
			cleaned = p.ReplaceAllString(cleaned, "$1")
		}
	}
	cleaned = strings.TrimSpace(multiSpace.ReplaceAllString(cleaned, " "))
	if cleaned == "" {
		return nil
	}

	out := make([]Match, 0, len(matched))
	for _, e := range matched {
		out = append(out, Match{Name: e.name, Prompt: cleaned})
	}
	return out
}
