package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// GroupVars are the scalars clawbox shares with the ansible playbooks.
type GroupVars struct {
	VMBaseName             string `yaml:"vm_base_name"`
	MarkerFilename         string `yaml:"signal_cli_payload_marker_filename"`
	BootstrapAdminUser     string `yaml:"bootstrap_admin_user"`
	BootstrapAdminPassword string `yaml:"bootstrap_admin_password"`
}

// LoadGroupVars reads path. A missing file yields empty vars.
func LoadGroupVars(path string) (*GroupVars, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &GroupVars{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group vars: %w", err)
	}

	var gv GroupVars
	if err := yaml.Unmarshal(data, &gv); err != nil {
		return nil, fmt.Errorf("parse group vars %s: %w", path, err)
	}
	return &gv, nil
}

func (gv *GroupVars) apply(v *viper.Viper) {
	set := func(key, value string) {
		if value != "" {
			v.SetDefault(key, value)
		}
	}
	set("vm_base_name", gv.VMBaseName)
	set("sync.marker_filename", gv.MarkerFilename)
	set("bootstrap.user", gv.BootstrapAdminUser)
	set("bootstrap.password", gv.BootstrapAdminPassword)
}
