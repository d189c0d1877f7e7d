package supervisor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ktr0328/orchestrator-core/internal/envelope"
)

// fileSpawnConfig is the YAML shape of one worker's entry in a spawn
// config file: a thinner, human-editable alternative to setting
// ORCHESTRATOR_<WORKER>_WORKER_* environment variables per worker.
type fileSpawnConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
}

// fileConfig is the top-level shape: worker role name -> spawn config.
type fileConfig struct {
	Workers map[string]fileSpawnConfig `yaml:"workers"`
}

// LoadSpawnConfigFile reads a YAML worker-spawn-config document and
// returns one SpawnConfig per declared worker. Unknown worker names are
// rejected; an entry's Env map is merged over the process environment so
// operators only need to declare overrides.
func LoadSpawnConfigFile(path string) (map[envelope.Worker]SpawnConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read worker config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse worker config %s: %w", path, err)
	}

	known := map[envelope.Worker]bool{}
	for _, w := range envelope.Workers {
		known[w] = true
	}

	out := make(map[envelope.Worker]SpawnConfig, len(fc.Workers))
	for name, entry := range fc.Workers {
		w := envelope.Worker(name)
		if !known[w] {
			return nil, fmt.Errorf("worker config %s: unknown worker %q", path, name)
		}
		if entry.Command == "" {
			return nil, fmt.Errorf("worker config %s: worker %q missing command", path, name)
		}
		out[w] = SpawnConfig{
			Executable: entry.Command,
			Args:       entry.Args,
			Dir:        entry.Dir,
			Env:        mergeEnv(os.Environ(), entry.Env),
		}
	}
	return out, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	merged = append(merged, base...)
	for k, v := range overrides {
		merged = append(merged, k+"="+v)
	}
	return merged
}
