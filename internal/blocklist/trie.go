package blocklist

import (
	"strings"
)

type trieNode struct {
	children map[string]*trieNode
	// entry is the corpus domain that ends here, "" for inner nodes.
	entry string
}

// domainTrie stores domains by reversed labels so a lookup walks from the
// TLD down and stops at the first known parent. It is built once per
// ruleset and read-only afterwards.
type domainTrie struct {
	root *trieNode
	size int
}

func newDomainTrie(domains []string) *domainTrie {
	dt := &domainTrie{root: &trieNode{children: make(map[string]*trieNode)}}
	for _, d := range domains {
		dt.insert(d)
	}
	return dt
}

func reversedLabels(domain string) []string {
	parts := strings.Split(strings.Trim(domain, "."), ".")
	for i := len(parts)/2 - 1; i >= 0; i-- {
		opp := len(parts) - 1 - i
		parts[i], parts[opp] = parts[opp], parts[i]
	}
	return parts
}

func (dt *domainTrie) insert(domain string) {
	if strings.Trim(domain, ".") == "" {
		return
	}
	current := dt.root
	for _, part := range reversedLabels(domain) {
		next := current.children[part]
		if next == nil {
			next = &trieNode{children: make(map[string]*trieNode)}
			current.children[part] = next
		}
		current = next
	}
	if current.entry == "" {
		dt.size++
	}
	current.entry = domain
}

// match returns the shortest known domain that name equals or is a
// subdomain of.
func (dt *domainTrie) match(name string) (string, bool) {
	current := dt.root
	for _, part := range reversedLabels(name) {
		current = current.children[part]
		if current == nil {
			return "", false
		}
		if current.entry != "" {
			return current.entry, true
		}
	}
	return "", false
}
