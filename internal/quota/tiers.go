// Package quota enforces per-identity research budgets. Tier policies
// come from config/tiers.yaml; counters live in the store so limits
// survive restarts and hold across replicas.
package quota

import (
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Reset scopes. The scope names double as the counter scope column in
// the store, so renaming one orphans existing counters.
const (
	ScopeLifetime  = "lifetime"
	ScopeDaily     = "daily"
	ScopeMonthly   = "monthly"
	ScopeUnmetered = "unmetered"
)

// Built-in tier names.
const (
	TierAnonymous = "anonymous"
	TierFree      = "free"
	TierPro       = "pro"
	TierPayPerUse = "pay_per_use"
)

// TierPolicy is one row of the tier table: how many research tasks an
// identity on this tier may start, and how often the counter resets.
type TierPolicy struct {
	Scope string `yaml:"scope"`
	Limit int    `yaml:"limit"`
}

// Unmetered reports whether this policy admits without a limit.
func (p TierPolicy) Unmetered() bool {
	return p.Scope == ScopeUnmetered || p.Limit <= 0
}

type tiersConfig struct {
	Tiers map[string]TierPolicy `yaml:"tiers"`
}

var (
	mu          sync.RWMutex
	loaded      *tiersConfig
	initialized bool
)

// builtinTiers is the policy table used when no tiers.yaml is found.
var builtinTiers = map[string]TierPolicy{
	TierAnonymous: {Scope: ScopeLifetime, Limit: 1},
	TierFree:      {Scope: ScopeDaily, Limit: 3},
	TierPro:       {Scope: ScopeMonthly, Limit: 100},
	TierPayPerUse: {Scope: ScopeUnmetered},
}

var defaultPaths = []string{
	os.Getenv("TIERS_CONFIG_PATH"),
	"/app/config/tiers.yaml",
	"./config/tiers.yaml",
}

// findUpConfig searches parent directories for config/tiers.yaml
// starting at CWD, so tests in nested packages still find it.
func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "tiers.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

// loadLocked loads the tier table; must be called holding mu.Lock().
func loadLocked(explicitPath string) {
	var cfg tiersConfig

	paths := defaultPaths
	if explicitPath != "" {
		paths = append([]string{explicitPath}, paths...)
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp tiersConfig
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			log.Printf("WARNING: Failed to unmarshal tier config from %s: %v", p, err)
			continue
		}
		cfg = tmp
		log.Printf("Loaded tier configuration from %s", p)
		break
	}
	if len(cfg.Tiers) == 0 {
		if path, ok := findUpConfig(); ok {
			if data, err := os.ReadFile(path); err == nil {
				var tmp tiersConfig
				if err := yaml.Unmarshal(data, &tmp); err == nil {
					cfg = tmp
					log.Printf("Loaded tier configuration from %s", path)
				}
			}
		}
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = builtinTiers
	}

	loaded = &cfg
	initialized = true
}

func get() *tiersConfig {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked("")
	}
	return loaded
}

// Reload forces a re-read of the tier table, optionally from an
// explicit path. Used at startup when quota.tiers_path is set.
func Reload(path string) {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked(path)
}

// PolicyFor returns the policy for a tier name. Unknown tiers fall back
// to the free policy so a mislabeled subscription never grants
// unlimited usage.
func PolicyFor(tier string) TierPolicy {
	cfg := get()
	if p, ok := cfg.Tiers[tier]; ok {
		return p
	}
	if p, ok := cfg.Tiers[TierFree]; ok {
		return p
	}
	return builtinTiers[TierFree]
}
