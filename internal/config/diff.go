package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	SolversAdded   []string
	SolversRemoved []string
	SolversChanged []string

	SelectorChanged bool
	NewDefaultOrder []string

	SwarmChanged bool
	NewSwarm     SwarmConfig

	RecoveryChanged bool
	NewRecovery     RecoveryConfig

	JanitorChanged bool
	NewJanitor     JanitorConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.SolversAdded) > 0 ||
		len(d.SolversRemoved) > 0 ||
		len(d.SolversChanged) > 0 ||
		d.SelectorChanged ||
		d.SwarmChanged ||
		d.RecoveryChanged ||
		d.JanitorChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	// Solver diffs
	for name := range new.Solvers {
		if _, ok := old.Solvers[name]; !ok {
			d.SolversAdded = append(d.SolversAdded, name)
		}
	}
	for name := range old.Solvers {
		if _, ok := new.Solvers[name]; !ok {
			d.SolversRemoved = append(d.SolversRemoved, name)
		}
	}
	for name, newDef := range new.Solvers {
		if oldDef, ok := old.Solvers[name]; ok {
			if !reflect.DeepEqual(oldDef, newDef) {
				d.SolversChanged = append(d.SolversChanged, name)
			}
		}
	}

	// Selector
	if !reflect.DeepEqual(old.Selector.DefaultOrder, new.Selector.DefaultOrder) {
		d.SelectorChanged = true
		d.NewDefaultOrder = new.Selector.DefaultOrder
	}

	// Swarm defaults
	if !reflect.DeepEqual(old.Swarm, new.Swarm) {
		d.SwarmChanged = true
		d.NewSwarm = new.Swarm
	}

	// Recovery thresholds
	if !reflect.DeepEqual(old.Recovery, new.Recovery) {
		d.RecoveryChanged = true
		d.NewRecovery = new.Recovery
	}

	// Janitor
	if old.Janitor.PollInterval != new.Janitor.PollInterval {
		d.JanitorChanged = true
		d.NewJanitor = new.Janitor
	}

	// Non-reloadable warnings
	if old.Telegram.Token != new.Telegram.Token {
		d.NonReloadable = append(d.NonReloadable, "telegram.token")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}

	return d
}
