// Package plugins hosts extensions: it discovers plugin directories by
// their plugin.yaml manifest, holds per-plugin settings, and drives the
// activate/deactivate lifecycle that installs or removes a plugin's
// hook registrations.
package plugins

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/straycat-ai/straycat/internal/hooks"
)

// ManifestFile is the file that marks a directory as a plugin.
const ManifestFile = "plugin.yaml"

// Manifest is the parsed plugin.yaml.
type Manifest struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Version     string         `yaml:"version"`
	Description string         `yaml:"description"`
	Author      string         `yaml:"author"`
	// Settings holds the plugin's default settings values.
	Settings map[string]any `yaml:"settings"`
}

// Plugin is one hosted extension. Discovered plugins carry only a
// manifest; built-in plugins additionally supply Install and lifecycle
// callbacks.
type Plugin struct {
	ID       string
	Dir      string
	Manifest Manifest

	// Install registers the plugin's hooks and tools. Called on every
	// activation; registrations are removed again on deactivation.
	Install func(reg *hooks.Registry, owner string) error
	// OnActivated fires after a successful activation.
	OnActivated func(settings map[string]any)
	// OnDeactivated fires after deactivation.
	OnDeactivated func()
}

// Info is the externally visible plugin state.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
	Enabled     bool   `json:"enabled"`
}

type hosted struct {
	plugin   *Plugin
	settings map[string]any
	active   bool
	disabled bool
}

// Host owns the plugin set for a running instance.
type Host struct {
	logger *slog.Logger
	hooks  *hooks.Registry

	mu      sync.Mutex
	plugins map[string]*hosted
}

// NewHost creates an empty plugin host.
func NewHost(logger *slog.Logger, reg *hooks.Registry) *Host {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Host{
		logger:  logger,
		hooks:   reg,
		plugins: make(map[string]*hosted),
	}
}

// Add registers a plugin with the host without activating it.
func (h *Host) Add(p *Plugin) error {
	if p.ID == "" {
		return fmt.Errorf("plugin id is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.plugins[p.ID]; ok {
		return fmt.Errorf("plugin %q already added", p.ID)
	}
	settings := make(map[string]any, len(p.Manifest.Settings))
	for k, v := range p.Manifest.Settings {
		settings[k] = v
	}
	h.plugins[p.ID] = &hosted{plugin: p, settings: settings}
	return nil
}

// Discover scans dir for subdirectories carrying a plugin.yaml and adds
// each as an inactive plugin. A missing dir is not an error. Broken
// manifests are logged and skipped.
func (h *Host) Discover(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read plugins dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		pluginDir := filepath.Join(dir, name)
		manifest, err := loadManifest(filepath.Join(pluginDir, ManifestFile))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			h.logger.Warn("skipping plugin with broken manifest", "dir", pluginDir, "error", err)
			continue
		}
		if manifest.ID == "" {
			manifest.ID = name
		}
		p := &Plugin{ID: manifest.ID, Dir: pluginDir, Manifest: *manifest}
		if err := h.Add(p); err != nil {
			h.logger.Warn("skipping plugin", "id", manifest.ID, "error", err)
			continue
		}
		h.logger.Info("plugin discovered", "id", manifest.ID, "dir", pluginDir)
	}
	return nil
}

func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// Activate installs the plugin's hooks and fires OnActivated. An
// already-active plugin is a no-op: the lifecycle fires exactly once
// per transition.
func (h *Host) Activate(id string) error {
	h.mu.Lock()
	hp, ok := h.plugins[id]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("unknown plugin %q", id)
	}
	if hp.active {
		h.mu.Unlock()
		return nil
	}

	if hp.plugin.Install != nil {
		if err := hp.plugin.Install(h.hooks, id); err != nil {
			h.hooks.UnregisterOwner(id)
			h.mu.Unlock()
			return fmt.Errorf("install plugin %q: %w", id, err)
		}
	}
	hp.active = true
	onActivated := hp.plugin.OnActivated
	settings := hp.settings
	h.mu.Unlock()

	if onActivated != nil {
		onActivated(settings)
	}
	h.logger.Info("plugin activated", "id", id)
	return nil
}

// Deactivate removes the plugin's hook registrations and fires
// OnDeactivated. An inactive plugin is a no-op.
func (h *Host) Deactivate(id string) error {
	h.mu.Lock()
	hp, ok := h.plugins[id]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("unknown plugin %q", id)
	}
	if !hp.active {
		h.mu.Unlock()
		return nil
	}
	hp.active = false
	onDeactivated := hp.plugin.OnDeactivated
	h.mu.Unlock()

	h.hooks.UnregisterOwner(id)
	if onDeactivated != nil {
		onDeactivated()
	}
	h.logger.Info("plugin deactivated", "id", id)
	return nil
}

// SetEnabled toggles dispatch of the plugin's hook registrations without
// removing them from the registry, so re-enabling restores the original
// dispatch order. The plugin stays active throughout; use Deactivate to
// tear its registrations down.
func (h *Host) SetEnabled(id string, enabled bool) error {
	h.mu.Lock()
	hp, ok := h.plugins[id]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("unknown plugin %q", id)
	}
	hp.disabled = !enabled
	h.mu.Unlock()

	h.hooks.SetEnabled(id, enabled)
	h.logger.Info("plugin toggled", "id", id, "enabled", enabled)
	return nil
}

// Enabled reports whether the plugin's hooks are dispatched.
func (h *Host) Enabled(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	hp, ok := h.plugins[id]
	return ok && !hp.disabled
}

// Active reports whether the plugin is currently active.
func (h *Host) Active(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	hp, ok := h.plugins[id]
	return ok && hp.active
}

// Settings returns a copy of the plugin's settings map.
func (h *Host) Settings(id string) map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	hp, ok := h.plugins[id]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(hp.settings))
	for k, v := range hp.settings {
		out[k] = v
	}
	return out
}

// SetSettings replaces the plugin's settings.
func (h *Host) SetSettings(id string, settings map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	hp, ok := h.plugins[id]
	if !ok {
		return fmt.Errorf("unknown plugin %q", id)
	}
	hp.settings = make(map[string]any, len(settings))
	for k, v := range settings {
		hp.settings[k] = v
	}
	return nil
}

// SettingsFunc adapts the host for execution-context settings lookup.
func (h *Host) SettingsFunc() hooks.SettingsFunc {
	return func(owner string) map[string]any {
		return h.Settings(owner)
	}
}

// List returns plugin info sorted by id.
func (h *Host) List() []Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Info, 0, len(h.plugins))
	for id, hp := range h.plugins {
		out = append(out, Info{
			ID:          id,
			Name:        hp.plugin.Manifest.Name,
			Version:     hp.plugin.Manifest.Version,
			Description: hp.plugin.Manifest.Description,
			Active:      hp.active,
			Enabled:     !hp.disabled,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
