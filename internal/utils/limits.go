package utils

import (
	"compress/gzip"
	"fmt"
	"io"
	"strings"
)

const (
	// MaxConfigFileSize is the maximum size for configuration files (1MB)
	MaxConfigFileSize = 1 * 1024 * 1024

	// MaxRulesFileSize is the maximum size for rules documents fetched over HTTP (50MB)
	MaxRulesFileSize = 50 * 1024 * 1024

	// MaxS3ObjectSize is the maximum size for S3 objects (100MB)
	MaxS3ObjectSize = 100 * 1024 * 1024

	// MaxStateFileSize is the maximum size of the persisted state file (8MB)
	MaxStateFileSize = 8 * 1024 * 1024

	// MaxYAMLDepth is the maximum flow nesting accepted in YAML documents
	MaxYAMLDepth = 100

	// MaxDomainLength is the maximum length for a domain name
	MaxDomainLength = 253

	// MaxDomainsPerRule is the maximum number of entries in a single rules document
	MaxDomainsPerRule = 10000

	// MaxConcurrentForwards is the default size of the upstream forwarder pool
	MaxConcurrentForwards = 256

	// MaxHTTPBodySize is the maximum size for HTTP request bodies (1MB)
	MaxHTTPBodySize = 1 * 1024 * 1024
)

// LimitedReader returns a reader that limits the amount of data read
func LimitedReader(r io.Reader, limit int64) io.Reader {
	return &io.LimitedReader{R: r, N: limit}
}

// ReadAllLimited reads all data from r up to limit bytes
func ReadAllLimited(r io.Reader, limit int64) ([]byte, error) {
	limited := LimitedReader(r, limit+1) // +1 to detect if limit exceeded
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) > limit {
		return nil, fmt.Errorf("data exceeds maximum size of %d bytes", limit)
	}

	return data, nil
}

// CheckYAML rejects YAML documents that are too large or look like an
// alias bomb. Callers still run yaml.Unmarshal afterwards.
func CheckYAML(data []byte, maxSize int64) error {
	if int64(len(data)) > maxSize {
		return fmt.Errorf("YAML data exceeds maximum size of %d bytes", maxSize)
	}
	if detectYAMLBomb(string(data)) {
		return fmt.Errorf("potential YAML bomb detected")
	}
	return nil
}

// detectYAMLBomb checks for patterns that indicate a YAML bomb
func detectYAMLBomb(yaml string) bool {
	anchorCount := strings.Count(yaml, "&")
	aliasCount := strings.Count(yaml, "*")

	// Many more aliases than anchors means exponential expansion
	if aliasCount > 10 && aliasCount > anchorCount*10 {
		return true
	}

	nestingLevel := 0
	maxNesting := 0
	for _, char := range yaml {
		switch char {
		case '[', '{':
			nestingLevel++
			if nestingLevel > maxNesting {
				maxNesting = nestingLevel
			}
		case ']', '}':
			nestingLevel--
		}
	}

	return maxNesting > MaxYAMLDepth
}

// ValidateDomainLength checks if a domain name is within acceptable length
func ValidateDomainLength(domain string) error {
	if len(domain) > MaxDomainLength {
		return fmt.Errorf("domain name exceeds maximum length of %d characters", MaxDomainLength)
	}

	// Check individual label lengths (max 63 characters)
	for _, label := range strings.Split(domain, ".") {
		if len(label) > 63 {
			return fmt.Errorf("domain label exceeds maximum length of 63 characters")
		}
	}

	return nil
}

// DomainLimiter caps how many entries a rules source may contribute
type DomainLimiter struct {
	count int
	max   int
}

// NewDomainLimiter creates a new domain limiter
func NewDomainLimiter(max int) *DomainLimiter {
	return &DomainLimiter{max: max}
}

// Add attempts to add domains and returns error if limit exceeded
func (dl *DomainLimiter) Add(count int) error {
	if dl.count+count > dl.max {
		return fmt.Errorf("domain limit exceeded: %d + %d > %d", dl.count, count, dl.max)
	}
	dl.count += count
	return nil
}

// Count returns the current domain count
func (dl *DomainLimiter) Count() int {
	return dl.count
}

// GzipLimitedReader creates a gzip reader with size limits
func GzipLimitedReader(r io.Reader, limit int64) (*gzip.Reader, error) {
	return gzip.NewReader(LimitedReader(r, limit))
}

// ConcurrencyLimiter provides a simple semaphore for limiting concurrent operations
type ConcurrencyLimiter struct {
	sem chan struct{}
}

// NewConcurrencyLimiter creates a new concurrency limiter
func NewConcurrencyLimiter(max int) *ConcurrencyLimiter {
	if max <= 0 {
		max = 1
	}
	return &ConcurrencyLimiter{
		sem: make(chan struct{}, max),
	}
}

// Release releases a slot
func (cl *ConcurrencyLimiter) Release() {
	<-cl.sem
}

// TryAcquire attempts to acquire a slot without blocking
func (cl *ConcurrencyLimiter) TryAcquire() bool {
	select {
	case cl.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// InUse returns the number of held slots
func (cl *ConcurrencyLimiter) InUse() int {
	return len(cl.sem)
}

// Cap returns the number of slots
func (cl *ConcurrencyLimiter) Cap() int {
	return cap(cl.sem)
}
