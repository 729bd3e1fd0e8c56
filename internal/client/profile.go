package client

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LaunchProfile describes one way to launch the agent subprocess.
type LaunchProfile struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	WorkDir string            `yaml:"workDir"`
	Env     map[string]string `yaml:"env"`
	// Model is passed on thread start when set.
	Model string `yaml:"model"`
	// SandboxMode overrides the sandbox policy type: "read-only",
	// "workspace-write", "danger-full-access".
	SandboxMode string `yaml:"sandboxMode"`
}

// profilesFile is the on-disk shape of the profiles YAML.
type profilesFile struct {
	Profiles map[string]LaunchProfile `yaml:"profiles"`
}

// LoadProfile reads the named launch profile from path. A missing file is an
// error only when a profile was explicitly requested.
func LoadProfile(path, name string) (*LaunchProfile, error) {
	if name == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file %s: %w", path, err)
	}

	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse profiles file %s: %w", path, err)
	}

	profile, ok := file.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile %q not found in %s", name, path)
	}
	if profile.Command == "" {
		return nil, fmt.Errorf("profile %q has no command", name)
	}
	return &profile, nil
}
