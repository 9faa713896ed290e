package model

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultWorkDir      = "/var/lib/ansible/local"
	DefaultTimeout      = 30 * time.Second
	DefaultSensuAddress = "localhost:3030"
	DefaultLockFile     = "/tmp/run-ansible-pull.lock"
	DefaultConfigDir    = "/etc/run-ansible-pull"
	DefaultBranch       = "master"
)

// Config is the on-disk (yaml) and command line configuration of run-ansible-pull.
type Config struct {
	Debug             bool          `yaml:"debug,omitempty"`
	DryRun            bool          `yaml:"dry_run,omitempty"`
	Timeout           time.Duration `yaml:"timeout,omitempty"`
	PlaybookPath      string        `yaml:"playbook_path"`
	GitRepoURL        string        `yaml:"git_repo_url"`
	WorkDir           string        `yaml:"directory,omitempty"`
	VaultPasswordFile string        `yaml:"vault_password_file,omitempty"`
	ExtraVars         string        `yaml:"extra_vars,omitempty"`
	Branch            string        `yaml:"checkout,omitempty"`
	Inventory         string        `yaml:"inventory,omitempty"`
	Connection        string        `yaml:"connection,omitempty"`
	Tags              string        `yaml:"tags,omitempty"`
	OnlyIfChanged     bool          `yaml:"only_if_changed,omitempty"`
	AnsiblePull       string        `yaml:"ansible_pull,omitempty"` // binary, looked up in $PATH when empty
	LogFile           string        `yaml:"log_file,omitempty"`
	MetricsFile       string        `yaml:"metrics_file,omitempty"`
	LockFile          string        `yaml:"lock_file,omitempty"`
	BranchDir         string        `yaml:"branch_dir,omitempty"` // holds git-branch.txt and git-branch_override.txt
	Sensu             Sensu         `yaml:"sensu,omitempty"`
}

type Sensu struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Address string `yaml:"address,omitempty"`
}

// DefaultConfig returns the configuration used when neither file nor flags
// say otherwise.
func DefaultConfig() Config {
	return Config{
		Timeout:   DefaultTimeout,
		WorkDir:   DefaultWorkDir,
		LockFile:  DefaultLockFile,
		BranchDir: DefaultConfigDir,
		Sensu: Sensu{
			Address: DefaultSensuAddress,
		},
	}
}

// LoadConfig decodes yaml from r on top of DefaultConfig. Unknown keys are an error.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// Validate reports all problems found in the configuration at once.
func (c Config) Validate() error {
	var errs []error
	if c.PlaybookPath == "" {
		errs = append(errs, errors.New("playbook_path is required"))
	}
	if c.GitRepoURL == "" {
		errs = append(errs, errors.New("git_repo_url is required"))
	}
	if c.WorkDir == "" {
		errs = append(errs, errors.New("directory must not be empty"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	return errors.Join(errs...)
}

// RunConfig returns the subset of the configuration one ansible-pull
// invocation is built from. branch is the already resolved revision.
func (c Config) RunConfig(branch string) RunConfig {
	return RunConfig{
		WorkDir:           c.WorkDir,
		RepoURL:           c.GitRepoURL,
		VaultPasswordFile: c.VaultPasswordFile,
		ExtraVars:         c.ExtraVars,
		Tags:              c.Tags,
		OnlyIfChanged:     c.OnlyIfChanged,
		PlaybookPath:      c.PlaybookPath,
		Branch:            branch,
		Inventory:         c.Inventory,
		Connection:        c.Connection,
		Timeout:           c.Timeout,
		Binary:            c.AnsiblePull,
	}
}

// RunConfig describes a single ansible-pull invocation. It is passed by value,
// only the run loop changes Branch between attempts.
type RunConfig struct {
	WorkDir           string
	RepoURL           string
	VaultPasswordFile string
	ExtraVars         string
	Tags              string
	OnlyIfChanged     bool
	PlaybookPath      string
	Branch            string
	Inventory         string
	Connection        string
	Timeout           time.Duration
	Binary            string
}

// ExpandUser replaces a leading ~ by the home directory of the current user.
// A leading @ (ansible's "read from file" marker) is preserved: @~/vars.yml
// becomes @/home/user/vars.yml.
func ExpandUser(path string) string {
	prefix := ""
	if strings.HasPrefix(path, "@") {
		prefix = "@"
		path = strings.TrimLeft(path, "@")
	}
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return prefix + path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return prefix + path
	}
	return prefix + filepath.Join(home, strings.TrimPrefix(path, "~"))
}
