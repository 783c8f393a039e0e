package transformer

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/eddielth/eds-sync/config"
	"github.com/eddielth/eds-sync/logger"
)

// Manager holds the named unit conversion scripts. Names are case-insensitive
// like every other config key.
type Manager struct {
	conversions map[string]*Conversion
	mutex       sync.RWMutex
}

// Conversion is a compiled conversion script. A goja runtime is not safe for
// concurrent use, so calls are serialized.
type Conversion struct {
	name    string
	vm      *goja.Runtime
	convert goja.Callable
	mu      sync.Mutex
}

// NewManager compiles every configured conversion
func NewManager(configs map[string]config.Conversion) (*Manager, error) {
	manager := &Manager{
		conversions: make(map[string]*Conversion),
	}

	for name, cfg := range configs {
		conv, err := compile(name, cfg)
		if err != nil {
			return nil, err
		}
		manager.conversions[strings.ToLower(name)] = conv
		logger.Info("loaded conversion %s", name)
	}

	return manager, nil
}

func loadScript(name string, cfg config.Conversion) (string, error) {
	if cfg.ScriptCode != "" {
		return cfg.ScriptCode, nil
	}
	if cfg.ScriptPath != "" {
		scriptBytes, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return "", fmt.Errorf("%w: conversion %s: %w", config.ErrConfiguration, name, err)
		}
		return string(scriptBytes), nil
	}
	return "", fmt.Errorf("%w: conversion %s has neither script_code nor script_path", config.ErrConfiguration, name)
}

func compile(name string, cfg config.Conversion) (*Conversion, error) {
	scriptCode, err := loadScript(name, cfg)
	if err != nil {
		return nil, err
	}

	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS %s] %s", name, msg)
	})

	// common hydraulic helpers
	_ = vm.Set("inchesToFeet", func(v float64) float64 { return v / 12 })
	_ = vm.Set("feetToInches", func(v float64) float64 { return v * 12 })
	_ = vm.Set("mgdToCfs", func(v float64) float64 { return v * 1.547229 })
	_ = vm.Set("cfsToMgd", func(v float64) float64 { return v / 1.547229 })

	if _, err := vm.RunString(scriptCode); err != nil {
		return nil, fmt.Errorf("%w: conversion %s: %w", config.ErrConfiguration, name, err)
	}

	fn, ok := goja.AssertFunction(vm.Get("convert"))
	if !ok {
		return nil, fmt.Errorf("%w: conversion %s does not define function convert(v)", config.ErrConfiguration, name)
	}

	return &Conversion{
		name:    name,
		vm:      vm,
		convert: fn,
	}, nil
}

// Convert runs the script on v. Script errors yield NaN, which
// ApplyUnitConversion turns into a Bad sample.
func (c *Conversion) Convert(v float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.convert(goja.Undefined(), c.vm.ToValue(v))
	if err != nil {
		logger.Warn("conversion %s failed for %v: %v", c.name, v, err)
		return math.NaN()
	}
	return result.ToFloat()
}

// Lookup returns the conversion called name. An empty name means no
// conversion and yields a nil function.
func (m *Manager) Lookup(name string) (ConversionFunc, error) {
	if name == "" {
		return nil, nil
	}

	m.mutex.RLock()
	conv, exists := m.conversions[strings.ToLower(name)]
	m.mutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: unknown conversion %q", config.ErrConfiguration, name)
	}
	return conv.Convert, nil
}

// ReloadConversion recompiles one conversion. Functions returned by earlier
// Lookup calls keep using the old script.
func (m *Manager) ReloadConversion(name string, cfg config.Conversion) error {
	conv, err := compile(name, cfg)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	m.conversions[strings.ToLower(name)] = conv
	m.mutex.Unlock()

	logger.Info("reloaded conversion %s", name)
	return nil
}
