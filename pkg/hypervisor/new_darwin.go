//go:build darwin

package hypervisor

import "github.com/javanstorm/clawbox/internal/execx"

// NewDriver returns the tart-backed driver.
func NewDriver(cfg TartConfig) (Driver, error) {
	return NewTartDriver(cfg, execx.OSRunner{}), nil
}
