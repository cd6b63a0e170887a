package driver

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a new driver instance.
type Factory func() Driver

type registration struct {
	settingsTemplate map[string]string
	pairingSettings  map[string]string
	factory          Factory
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]registration)
)

// Register adds a driver type to the registry. settingsTemplate describes
// the configurable fields for UI and configuration tooling, pairingSettings
// the defaults applied while pairing.
func Register(name string, settingsTemplate, pairingSettings map[string]string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = registration{
		settingsTemplate: settingsTemplate,
		pairingSettings:  pairingSettings,
		factory:          factory,
	}
}

// Create instantiates a registered driver type.
func Create(name string) (Driver, error) {
	registryMu.Lock()
	reg, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown driver %q", name)
	}
	return reg.factory(), nil
}

// SettingsTemplates returns the settings template of every registered driver.
func SettingsTemplates() map[string]map[string]string {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make(map[string]map[string]string, len(registry))
	for name, reg := range registry {
		out[name] = copyParams(reg.settingsTemplate)
	}
	return out
}

// PairingSettings returns the default pairing settings of a driver type.
func PairingSettings(name string) (map[string]string, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	reg, ok := registry[name]
	if !ok {
		return nil, false
	}
	return copyParams(reg.pairingSettings), true
}

// CandidateList returns the sorted names of all registered driver types.
func CandidateList() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func copyParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
