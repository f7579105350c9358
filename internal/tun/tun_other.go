//go:build !linux

package tun

// Device is unavailable on this platform.
type Device struct{}

// Open always fails with ErrUnsupported.
func Open(cfg Config) (*Device, error) {
	if _, err := cfg.parse(); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

func (d *Device) Name() string { return "" }

func (d *Device) Read([]byte) (int, error) { return 0, ErrUnsupported }

func (d *Device) Write([]byte) (int, error) { return 0, ErrUnsupported }

func (d *Device) Close() error { return nil }
