//go:build !darwin

package hypervisor

// NewDriver returns an error on platforms that cannot run macOS guests.
func NewDriver(cfg TartConfig) (Driver, error) {
	return nil, ErrUnsupportedPlatform
}
