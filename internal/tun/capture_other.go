//go:build !linux

package tun

// NewIPTablesRunner always fails with ErrUnsupported.
func NewIPTablesRunner() (Runner, error) {
	return nil, ErrUnsupported
}
