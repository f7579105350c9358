// Package blocklist classifies domain names and app package names against
// the gambling corpus. Classification is a pure function of the input and
// the currently loaded corpus: nothing is cached and no state changes.
package blocklist

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
)

// Kind identifies which stage of the classifier produced a block.
type Kind int

const (
	KindNone Kind = iota
	DomainMatch
	KeywordMatch
	PatternMatch
	LeetSpeakMatch
)

func (k Kind) String() string {
	switch k {
	case DomainMatch:
		return "DOMAIN"
	case KeywordMatch:
		return "KEYWORD"
	case PatternMatch:
		return "PATTERN"
	case LeetSpeakMatch:
		return "LEET_SPEAK"
	default:
		return "NONE"
	}
}

// Reason describes the first rule that matched.
type Reason struct {
	Kind Kind `json:"kind"`
	// Match is the domain entry, keyword or pattern source that fired.
	Match string `json:"match"`
	// Input is the string as it was passed in.
	Input string `json:"input"`
}

func (r Reason) String() string {
	if r.Kind == LeetSpeakMatch {
		return fmt.Sprintf("%s (%s)", r.Match, r.Input)
	}
	return r.Match
}

// Verdict is the outcome of a classification.
type Verdict struct {
	Blocked bool   `json:"blocked"`
	Reason  Reason `json:"reason"`
}

func (v Verdict) String() string {
	if !v.Blocked {
		return "Allowed"
	}
	return fmt.Sprintf("Blocked(%s: %s)", v.Reason.Kind, v.Reason)
}

// DomainMatchMode controls how the exact-domain stage compares names.
type DomainMatchMode string

const (
	// MatchSubstring blocks when the name contains a known domain anywhere.
	MatchSubstring DomainMatchMode = "substring"
	// MatchSuffix blocks only the known domain itself and its subdomains.
	MatchSuffix DomainMatchMode = "suffix"
)

// Option configures a Classifier.
type Option func(*Classifier)

// WithDomainMatch selects the exact-domain comparison mode.
func WithDomainMatch(mode DomainMatchMode) Option {
	return func(c *Classifier) {
		if mode == MatchSuffix {
			c.mode = MatchSuffix
		} else {
			c.mode = MatchSubstring
		}
	}
}

type ruleset struct {
	domains  []string
	suffixes *domainTrie
	keywords []string
	patterns []*regexp.Regexp
	sources  []string
}

// Classifier evaluates names in a fixed order: known domain, keyword,
// pattern, then leet-decoded keyword. The first match wins.
//
// The loaded corpus can be replaced at runtime with Update; a single
// Classify call always sees one consistent corpus.
//
// Thread-Safety: all methods are safe for concurrent use.
type Classifier struct {
	mode  DomainMatchMode
	rules atomic.Pointer[ruleset]
}

// NewClassifier compiles corpus into a classifier.
func NewClassifier(corpus Corpus, opts ...Option) (*Classifier, error) {
	c := &Classifier{mode: MatchSubstring}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Update(corpus); err != nil {
		return nil, err
	}
	return c, nil
}

// NewDefaultClassifier builds a classifier over the built-in corpus.
func NewDefaultClassifier(opts ...Option) *Classifier {
	c, err := NewClassifier(DefaultCorpus(), opts...)
	if err != nil {
		panic(fmt.Sprintf("blocklist: built-in corpus does not compile: %v", err))
	}
	return c
}

// Update replaces the loaded corpus. On error the previous corpus stays.
func (c *Classifier) Update(corpus Corpus) error {
	rs := &ruleset{
		domains:  mergeKeywords(corpus.Domains),
		keywords: mergeKeywords(corpus.Keywords),
	}
	if c.mode == MatchSuffix {
		rs.suffixes = newDomainTrie(rs.domains)
	}
	for _, src := range corpus.Patterns {
		re, err := regexp.Compile("(?i)" + src)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", src, err)
		}
		rs.patterns = append(rs.patterns, re)
		rs.sources = append(rs.sources, src)
	}
	c.rules.Store(rs)
	return nil
}

// Classify returns the verdict for domain. It never fails; anything that
// matches no rule, including the empty string, is allowed.
func (c *Classifier) Classify(domain string) Verdict {
	reason, blocked := c.Reason(domain)
	if !blocked {
		return Verdict{}
	}
	return Verdict{Blocked: true, Reason: reason}
}

// IsBlocked is shorthand for Classify(domain).Blocked.
func (c *Classifier) IsBlocked(domain string) bool {
	_, blocked := c.Reason(domain)
	return blocked
}

// Reason returns the specific entry, keyword or pattern that blocks domain.
func (c *Classifier) Reason(domain string) (Reason, bool) {
	rs := c.rules.Load()
	normalized := Normalize(domain)

	if d, ok := c.matchDomain(rs, normalized); ok {
		return Reason{Kind: DomainMatch, Match: d, Input: domain}, true
	}

	if kw, ok := matchKeyword(rs, StripSeparators(normalized)); ok {
		return Reason{Kind: KeywordMatch, Match: kw, Input: domain}, true
	}

	for i, re := range rs.patterns {
		if re.MatchString(normalized) {
			return Reason{Kind: PatternMatch, Match: rs.sources[i], Input: domain}, true
		}
	}

	decoded := DecodeLeet(normalized)
	if decoded != normalized {
		if kw, ok := matchKeyword(rs, StripSeparators(decoded)); ok {
			return Reason{Kind: LeetSpeakMatch, Match: kw, Input: domain}, true
		}
	}

	return Reason{}, false
}

// Counts reports the size of the loaded corpus.
func (c *Classifier) Counts() (domains, keywords, patterns int) {
	rs := c.rules.Load()
	return len(rs.domains), len(rs.keywords), len(rs.patterns)
}

// Mode returns the exact-domain comparison mode.
func (c *Classifier) Mode() DomainMatchMode {
	return c.mode
}

func (c *Classifier) matchDomain(rs *ruleset, name string) (string, bool) {
	if rs.suffixes != nil {
		return rs.suffixes.match(name)
	}
	for _, d := range rs.domains {
		if strings.Contains(name, d) {
			return d, true
		}
	}
	return "", false
}

func matchKeyword(rs *ruleset, stripped string) (string, bool) {
	for _, kw := range rs.keywords {
		if strings.Contains(stripped, kw) {
			return kw, true
		}
	}
	return "", false
}
