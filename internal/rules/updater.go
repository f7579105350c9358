package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dnsgate/internal/blocklist"
)

// CorpusUpdater is the classifier side of a refresh.
type CorpusUpdater interface {
	Update(corpus blocklist.Corpus) error
}

// ListSource is one HTTP(S) blocklist.
type ListSource struct {
	URL    string
	SHA256 string
}

// Updater rebuilds the corpus from the base corpus plus every configured
// source. A source that fails is skipped for that refresh.
type Updater struct {
	classifier CorpusUpdater
	base       blocklist.Corpus
	fetcher    *Fetcher
	fallback   string
	parser     *Parser
	lists      []ListSource
	onUpdate   func(source string, domains, keywords int)
}

// UpdaterConfig wires an Updater. Fetcher and Lists are both optional.
type UpdaterConfig struct {
	Classifier CorpusUpdater
	Base       blocklist.Corpus
	Fetcher    *Fetcher
	// FallbackPath is read when the S3 fetch fails.
	FallbackPath string
	Parser       *Parser
	Lists        []ListSource
	OnUpdate     func(source string, domains, keywords int)
}

func NewUpdater(cfg UpdaterConfig) *Updater {
	if cfg.Parser == nil {
		cfg.Parser = NewParser()
	}
	return &Updater{
		classifier: cfg.Classifier,
		base:       cfg.Base,
		fetcher:    cfg.Fetcher,
		fallback:   cfg.FallbackPath,
		parser:     cfg.Parser,
		lists:      cfg.Lists,
		onUpdate:   cfg.OnUpdate,
	}
}

// Result counts what one refresh contributed.
type Result struct {
	Domains  int
	Keywords int
	Failed   int
}

// Refresh fetches every source and swaps the merged corpus in. It fails
// only when no source could be read.
func (u *Updater) Refresh(ctx context.Context) (Result, error) {
	var (
		domains  [][]string
		keywords []string
		res      Result
		errs     []error
		lists    = append([]ListSource(nil), u.lists...)
	)

	if u.fetcher != nil {
		doc, err := u.fetcher.FetchRulesWithFallback(ctx, u.fallback)
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", u.fetcher.Source(), err))
		} else {
			domains = append(domains, doc.Domains)
			keywords = append(keywords, doc.Keywords...)
			for _, src := range doc.Sources {
				lists = append(lists, ListSource{URL: src})
			}
			u.notify(u.fetcher.Source(), len(doc.Domains), len(doc.Keywords))
		}
	}

	for _, l := range lists {
		got, err := u.parser.FetchAndParseURL(ctx, l.URL, l.SHA256)
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", l.URL, err))
			logrus.WithError(err).WithField("url", l.URL).Warn("Failed to fetch blocklist")
			continue
		}
		domains = append(domains, got)
		u.notify(l.URL, len(got), 0)
	}

	if len(domains) == 0 && len(errs) > 0 {
		return res, errors.Join(errs...)
	}

	merged := MergeDomains(domains...)
	corpus := u.base.Merge(merged, keywords)
	if err := u.classifier.Update(corpus); err != nil {
		return res, fmt.Errorf("apply rules: %w", err)
	}

	res.Domains = len(merged)
	res.Keywords = len(keywords)
	logrus.WithFields(logrus.Fields{
		"domains":  res.Domains,
		"keywords": res.Keywords,
		"failed":   res.Failed,
	}).Info("Rules refreshed")
	return res, nil
}

func (u *Updater) notify(source string, domains, keywords int) {
	if u.onUpdate != nil {
		u.onUpdate(source, domains, keywords)
	}
}

// Run refreshes immediately and then every interval until ctx is done.
func (u *Updater) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := u.Refresh(ctx); err != nil {
			logrus.WithError(err).Warn("Rules refresh failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
