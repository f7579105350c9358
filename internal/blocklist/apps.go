package blocklist

import (
	"fmt"
	"strings"
)

// AppReason explains why a package name was flagged.
type AppReason struct {
	// Known is true when the package is on the known-app list.
	Known bool `json:"known"`
	// Keyword is the package keyword found in one of the name's segments.
	Keyword string `json:"keyword,omitempty"`
}

func (r AppReason) String() string {
	if r.Known {
		return "known gambling app"
	}
	return fmt.Sprintf("suspicious keyword: %s", r.Keyword)
}

// AppClassifier flags gambling apps by package name: the whitelist wins,
// then exact known packages, then keywords matched against each
// dot-separated segment.
type AppClassifier struct {
	packages  map[string]bool
	whitelist map[string]bool
	keywords  []string
}

// NewAppClassifier builds a classifier over the built-in package lists.
func NewAppClassifier() *AppClassifier {
	ac := &AppClassifier{
		packages:  make(map[string]bool, len(blockedPackages)),
		whitelist: make(map[string]bool, len(whitelistedPackages)),
		keywords:  append([]string(nil), packageKeywords...),
	}
	for _, p := range blockedPackages {
		ac.packages[strings.ToLower(p)] = true
	}
	for _, p := range whitelistedPackages {
		ac.whitelist[strings.ToLower(p)] = true
	}
	return ac
}

// IsBlocked reports whether pkg is a gambling app.
func (ac *AppClassifier) IsBlocked(pkg string) bool {
	_, blocked := ac.Reason(pkg)
	return blocked
}

// Reason returns why pkg is blocked. Whitelisted packages are never blocked.
func (ac *AppClassifier) Reason(pkg string) (AppReason, bool) {
	p := strings.ToLower(strings.TrimSpace(pkg))
	if p == "" || ac.whitelist[p] {
		return AppReason{}, false
	}
	if ac.packages[p] {
		return AppReason{Known: true}, true
	}
	segments := strings.Split(p, ".")
	for _, kw := range ac.keywords {
		for _, seg := range segments {
			if strings.Contains(seg, kw) {
				return AppReason{Keyword: kw}, true
			}
		}
	}
	return AppReason{}, false
}

// FindGamblingApps returns the blocked packages in installed, in order.
func (ac *AppClassifier) FindGamblingApps(installed []string) []string {
	var found []string
	for _, pkg := range installed {
		if ac.IsBlocked(pkg) {
			found = append(found, pkg)
		}
	}
	return found
}
