package ansible

import (
	"github.com/CZERTAINLY/run-ansible-pull/internal/model"
)

// Binary is the name of the ansible-pull executable and argv[0] of Command.
const Binary = "ansible-pull"

// Command returns the ansible-pull argv for cfg. Optional flags are present
// only when set, the playbook path is always the last argument.
//
// --inventory is passed twice on purpose: ansible-pull forwards the options
// after --checkout to ansible-playbook.
func Command(cfg model.RunConfig) []string {
	var args = []string{Binary}
	opt := func(flag, value string) {
		if value != "" {
			args = append(args, flag, value)
		}
	}

	opt("--inventory", cfg.Inventory)
	args = append(args, "--directory", cfg.WorkDir)
	args = append(args, "--url", cfg.RepoURL)
	opt("--vault-password-file", cfg.VaultPasswordFile)
	opt("--extra-vars", cfg.ExtraVars)
	args = append(args, "--checkout", cfg.Branch)
	opt("--inventory", cfg.Inventory)
	opt("--connection", cfg.Connection)
	args = append(args, "--accept-host-key")
	opt("--tags", cfg.Tags)
	if cfg.OnlyIfChanged {
		args = append(args, "--only-if-changed")
	}
	args = append(args, cfg.PlaybookPath)
	return args
}
