package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/run-ansible-pull/internal/log"
	"github.com/CZERTAINLY/run-ansible-pull/internal/metrics"
	"github.com/CZERTAINLY/run-ansible-pull/internal/model"
	"github.com/CZERTAINLY/run-ansible-pull/internal/sensu"
	"github.com/CZERTAINLY/run-ansible-pull/internal/service"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const configEnv = "RUNANSIBLEPULLCONFIG"

var (
	defaultConfigPath = filepath.Join(model.DefaultConfigDir, "config.yaml")
	configPath        string // actual config file used (if loaded)
	config            model.Config

	flagConfigFilePath string
	flags              = model.DefaultConfig()
)

func main() {
	f := rootCmd.Flags()
	f.StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+defaultConfigPath+" if it exists")
	f.BoolVar(&flags.Debug, "debug", false, "debug logging")
	f.BoolVar(&flags.DryRun, "dry-run", false, "log the ansible-pull command and exit")
	f.DurationVar(&flags.Timeout, "timeout", flags.Timeout, "kill ansible-pull after this time")
	f.StringVar(&flags.PlaybookPath, "playbook-path", "", "playbook to run, relative to the repository")
	f.StringVar(&flags.GitRepoURL, "git-repo-url", "", "URL of the playbook repository")
	f.StringVar(&flags.WorkDir, "directory", flags.WorkDir, "directory to check out the repository to")
	f.StringVar(&flags.VaultPasswordFile, "vault-password-file", "", "vault password file")
	f.StringVar(&flags.ExtraVars, "extra-vars", "", "extra variables, key=value or @file")
	f.StringVar(&flags.Branch, "checkout", "", "branch, tag or commit to check out - default is read from "+model.DefaultConfigDir)
	f.StringVar(&flags.LogFile, "log-file", "", "log to this file too")
	f.StringVar(&flags.Tags, "tags", "", "only run plays and tasks tagged with these values")
	f.BoolVar(&flags.Sensu.Enabled, "notify-sensu", false, "send the result to the local sensu client")
	f.StringVar(&flags.Sensu.Address, "sensu-address", flags.Sensu.Address, "address of the sensu client socket")
	f.StringVar(&flags.Inventory, "inventory", "", "inventory file")
	f.StringVar(&flags.Connection, "connection", "", "connection type to use")
	f.BoolVar(&flags.OnlyIfChanged, "only-if-changed", false, "only run the playbook if the repository has changed")
	f.StringVar(&flags.MetricsFile, "metrics-file", "", "write prometheus metrics of the last attempt to this file")
	f.StringVar(&flags.AnsiblePull, "ansible-pull", "", "ansible-pull executable - default is looked up in $PATH")
	f.StringVar(&flags.LockFile, "lock-file", flags.LockFile, "single instance lock file")

	// never print messages
	rootCmd.SilenceErrors = true
	rootCmd.PreRunE = initConfig
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		slog.Error("run-ansible-pull failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "run-ansible-pull",
	Short:        "Runs ansible-pull under supervision and reports the result to sensu",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a run-ansible-pull",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("run-ansible-pull: version info not available")
			return
		}

		fmt.Printf("run-ansible-pull: %s\n", info.Main.Version)
		fmt.Printf("go:               %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:           %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:             %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:            %s\n", s.Value)
			}
		}
	},
}

// exitError carries the exit code of a finished run through cobra.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

func doRun(cmd *cobra.Command, _ []string) error {
	logger, closer := log.New(log.Options{
		Verbose: config.Debug,
		File:    config.LogFile,
	})
	defer func() {
		_ = closer.Close()
	}()
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancelCause(cmd.Context())
	defer cancel(nil)
	ctx = log.ContextAttrs(ctx,
		slog.String("run_id", uuid.NewString()),
		slog.Group("ansible-pull", slog.Int("pid", os.Getpid())),
	)
	stop := notify(ctx, cancel)
	defer stop()

	slog.DebugContext(ctx, "run-ansible-pull run", "configPath", configPath)
	slog.DebugContext(ctx, "run-ansible-pull run", "config", config)

	branch := model.ResolveBranch(ctx, config.Branch, config.BranchDir)
	supervisor := service.Supervisor{
		Run:      config.RunConfig(branch),
		DryRun:   config.DryRun,
		LockFile: config.LockFile,
		TmpDir:   ansibleTmpDir(),
		Runner:   service.NewRunner(),
		Reporter: sensu.NewClient(config.Sensu.Address, config.Sensu.Enabled),
		Metrics:  metrics.NewTextfile(config.MetricsFile),
	}

	code, err := supervisor.Do(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "run-ansible-pull failed", "error", err)
	}
	slog.InfoContext(ctx, "exiting", "exit_code", code)
	if code != 0 {
		return exitError{code: code}
	}
	return nil
}

// notify cancels ctx with the received signal as the cause.
func notify(ctx context.Context, cancel context.CancelCauseFunc) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			slog.WarnContext(ctx, "received signal, stopping ansible-pull", "signal", sig.String())
			cancel(&model.InterruptedError{Signal: sig})
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func initConfig(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv(configEnv); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else if exists(defaultConfigPath) {
		configPath = defaultConfigPath
	}

	config = model.DefaultConfig()
	if configPath != "" {
		var err error
		config, err = loadConfig(configPath)
		if err != nil {
			return err
		}
	}

	// explicitly set flags have a precedence over config file
	cmd.Flags().Visit(func(f *pflag.Flag) {
		overrideFlag(f.Name)
	})

	config.WorkDir = model.ExpandUser(config.WorkDir)
	config.VaultPasswordFile = model.ExpandUser(config.VaultPasswordFile)
	config.ExtraVars = model.ExpandUser(config.ExtraVars)
	config.LogFile = model.ExpandUser(config.LogFile)
	config.MetricsFile = model.ExpandUser(config.MetricsFile)
	config.Inventory = model.ExpandUser(config.Inventory)
	config.AnsiblePull = model.ExpandUser(config.AnsiblePull)

	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func loadConfig(path string) (model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		return model.Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func overrideFlag(name string) {
	switch name {
	case "debug":
		config.Debug = flags.Debug
	case "dry-run":
		config.DryRun = flags.DryRun
	case "timeout":
		config.Timeout = flags.Timeout
	case "playbook-path":
		config.PlaybookPath = flags.PlaybookPath
	case "git-repo-url":
		config.GitRepoURL = flags.GitRepoURL
	case "directory":
		config.WorkDir = flags.WorkDir
	case "vault-password-file":
		config.VaultPasswordFile = flags.VaultPasswordFile
	case "extra-vars":
		config.ExtraVars = flags.ExtraVars
	case "checkout":
		config.Branch = flags.Branch
	case "log-file":
		config.LogFile = flags.LogFile
	case "tags":
		config.Tags = flags.Tags
	case "notify-sensu":
		config.Sensu.Enabled = flags.Sensu.Enabled
	case "sensu-address":
		config.Sensu.Address = flags.Sensu.Address
	case "inventory":
		config.Inventory = flags.Inventory
	case "connection":
		config.Connection = flags.Connection
	case "only-if-changed":
		config.OnlyIfChanged = flags.OnlyIfChanged
	case "metrics-file":
		config.MetricsFile = flags.MetricsFile
	case "ansible-pull":
		config.AnsiblePull = flags.AnsiblePull
	case "lock-file":
		config.LockFile = flags.LockFile
	}
}

func ansibleTmpDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ansible", "tmp")
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
