package tools

import (
	"container/list"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// toolRegistryEntry wraps a registered descriptor; its insertion-order
// element is kept separately in Registry.orderElem.
type toolRegistryEntry struct {
	descriptor *ToolDescriptor
}

// Plugin groups a set of tools that are registered and unregistered
// together. Invariant: every id in Dependencies must name a plugin that is
// already loaded at load_plugin time; registered tool ids do not count.
type Plugin struct {
	ID           string
	Version      string
	Tools        []*ToolDescriptor
	Dependencies []string
}

// RegistryConfig holds the capacity knobs for a Registry.
type RegistryConfig struct {
	// MaxTools caps the number of descriptors register() will accept.
	// register_or_replace is exempt from this cap for existing ids.
	MaxTools int
}

// DefaultRegistryConfig returns the spec's default registry cap (500).
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{MaxTools: 500}
}

// RegistryValidator is an extra structural check run during
// register/register_or_replace, beyond ToolDescriptor.Validate.
type RegistryValidator func(desc *ToolDescriptor) error

// RegistryStats is the totals-by-category/capability snapshot returned by
// Registry.Stats.
type RegistryStats struct {
	TotalTools int                    `json:"total_tools"`
	ByCategory map[ToolCategory]int   `json:"by_category"`
	ByCapability map[string]int       `json:"by_capability"`
}

// ExportedConfig is the JSON shape export_config() produces: descriptor
// metadata only, never the function-valued hooks.
type ExportedConfig struct {
	Tools   []*ToolDescriptor `json:"tools"`
	Plugins []*Plugin         `json:"plugins"`
	Stats   RegistryStats     `json:"stats"`
}

// Registry is a versioned, concurrent catalog of tool descriptors with
// O(1) category lookup (§4.1). Single-descriptor mutations hold mu for
// their full duration so that I-R1/I-R2/I-R3 hold under concurrent access;
// LoadPlugin and UnloadPlugin take mu separately for each step.
type Registry struct {
	mu sync.RWMutex

	tools map[string]*toolRegistryEntry

	// categoryIndex is a partition of tools by category (I-R1): every
	// registered id appears in exactly one bucket.
	categoryIndex map[ToolCategory]map[string]bool

	// insertOrder tracks registration order for stats/export stability;
	// it is not load-bearing for any invariant.
	insertOrder *list.List
	orderElem   map[string]*list.Element

	plugins map[string]*Plugin

	validators []RegistryValidator

	config *RegistryConfig

	logger *zap.Logger
}

// NewRegistry constructs an empty registry with the default configuration.
func NewRegistry(logger *zap.Logger) *Registry {
	return NewRegistryWithConfig(DefaultRegistryConfig(), logger)
}

// NewRegistryWithConfig constructs an empty registry with an explicit
// capacity configuration.
func NewRegistryWithConfig(config *RegistryConfig, logger *zap.Logger) *Registry {
	if config == nil {
		config = DefaultRegistryConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:         make(map[string]*toolRegistryEntry),
		categoryIndex: make(map[ToolCategory]map[string]bool),
		insertOrder:   list.New(),
		orderElem:     make(map[string]*list.Element),
		plugins:       make(map[string]*Plugin),
		config:        config,
		logger:        logger,
	}
}

// AddValidator installs an extra structural check run on every
// register/register_or_replace call, in addition to ToolDescriptor.Validate.
func (r *Registry) AddValidator(v RegistryValidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators = append(r.validators, v)
}

func (r *Registry) runValidators(desc *ToolDescriptor) error {
	if err := desc.Validate(); err != nil {
		return NewToolError(ErrorTypeValidation, CodeInvalidDescriptor, err.Error()).WithToolID(desc.ID)
	}
	for _, v := range r.validators {
		if err := v(desc); err != nil {
			return NewToolError(ErrorTypeValidation, CodeInvalidDescriptor, err.Error()).WithToolID(desc.ID)
		}
	}
	return nil
}

// indexInsert adds id to its category bucket.
func (r *Registry) indexInsert(desc *ToolDescriptor) {
	bucket := r.categoryIndex[desc.Category]
	if bucket == nil {
		bucket = make(map[string]bool)
		r.categoryIndex[desc.Category] = bucket
	}
	bucket[desc.ID] = true
}

// indexRemove drops id from its category bucket (I-R2: must run before
// indexInsert when a replace changes category).
func (r *Registry) indexRemove(desc *ToolDescriptor) {
	if bucket, ok := r.categoryIndex[desc.Category]; ok {
		delete(bucket, desc.ID)
		if len(bucket) == 0 {
			delete(r.categoryIndex, desc.Category)
		}
	}
}

// Register adds a new descriptor. Fails with AlreadyExists if the id is
// already present, RegistryFull at capacity, InvalidDescriptor on
// structural failure.
func (r *Registry) Register(desc *ToolDescriptor) error {
	if err := r.runValidators(desc); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[desc.ID]; exists {
		return NewToolError(ErrorTypeValidation, CodeAlreadyExists, fmt.Sprintf("tool %q already registered", desc.ID)).WithToolID(desc.ID)
	}
	if len(r.tools) >= r.config.MaxTools {
		return NewToolError(ErrorTypeResource, CodeRegistryFull, "registry is at capacity").WithToolID(desc.ID)
	}

	r.tools[desc.ID] = &toolRegistryEntry{descriptor: desc}
	r.indexInsert(desc)
	r.orderElem[desc.ID] = r.insertOrder.PushBack(desc.ID)

	r.logger.Debug("tool registered", zap.String("tool_id", desc.ID), zap.String("category", string(desc.Category)))
	return nil
}

// ReplaceResult is returned by RegisterOrReplace.
type ReplaceResult struct {
	Replaced        bool
	PreviousVersion string
}

// RegisterOrReplace idempotently hot-reloads a descriptor: if the id
// exists, the old descriptor is replaced and the category index updated
// atomically (I-R2); new registrations still respect the capacity cap,
// replacements do not.
func (r *Registry) RegisterOrReplace(desc *ToolDescriptor) (*ReplaceResult, error) {
	if err := r.runValidators(desc); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.tools[desc.ID]
	if !ok {
		if len(r.tools) >= r.config.MaxTools {
			return nil, NewToolError(ErrorTypeResource, CodeRegistryFull, "registry is at capacity").WithToolID(desc.ID)
		}
		r.tools[desc.ID] = &toolRegistryEntry{descriptor: desc}
		r.indexInsert(desc)
		r.orderElem[desc.ID] = r.insertOrder.PushBack(desc.ID)
		return &ReplaceResult{Replaced: false}, nil
	}

	previousVersion := existing.descriptor.Version
	r.indexRemove(existing.descriptor)
	r.tools[desc.ID] = &toolRegistryEntry{descriptor: desc}
	r.indexInsert(desc)

	r.logger.Info("tool hot-reloaded",
		zap.String("tool_id", desc.ID),
		zap.String("from_version", previousVersion),
		zap.String("to_version", desc.Version),
	)

	return &ReplaceResult{Replaced: true, PreviousVersion: previousVersion}, nil
}

// Unregister removes a descriptor. No-op if absent.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(id)
}

func (r *Registry) unregisterLocked(id string) {
	entry, ok := r.tools[id]
	if !ok {
		return
	}
	r.indexRemove(entry.descriptor)
	delete(r.tools, id)
	if elem, ok := r.orderElem[id]; ok {
		r.insertOrder.Remove(elem)
		delete(r.orderElem, id)
	}
}

// Get returns the descriptor for id, or (nil, false) if absent.
func (r *Registry) Get(id string) (*ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[id]
	if !ok {
		return nil, false
	}
	return entry.descriptor, true
}

// GetReadOnly returns a read-only view of the descriptor for id.
func (r *Registry) GetReadOnly(id string) (ReadOnlyTool, bool) {
	desc, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return NewReadOnlyTool(desc), true
}

// Exists reports whether id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[id]
	return ok
}

// All returns every registered descriptor (I-R3: visible to All iff
// visible to Get iff visible to exactly one category bucket).
func (r *Registry) All() []*ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolDescriptor, 0, len(r.tools))
	for e := r.insertOrder.Front(); e != nil; e = e.Next() {
		id := e.Value.(string)
		out = append(out, r.tools[id].descriptor)
	}
	return out
}

// ByCategory returns every descriptor in the given category via the O(1)
// secondary index.
func (r *Registry) ByCategory(cat ToolCategory) []*ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket := r.categoryIndex[cat]
	out := make([]*ToolDescriptor, 0, len(bucket))
	for id := range bucket {
		out = append(out, r.tools[id].descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SearchFilters narrows a Search call beyond the free-text query.
type SearchFilters struct {
	Category     *ToolCategory
	Tags         []string
	Async        *bool
	Batch        *bool
	Streaming    *bool
	Webhook      *bool
	HasRateLimit *bool
	HasCache     *bool
}

// Search runs a case-insensitive substring match against
// {name, description, tags}, intersected with the given filters.
func (r *Registry) Search(query string, filters SearchFilters) []*ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q := strings.ToLower(query)
	var out []*ToolDescriptor
	for e := r.insertOrder.Front(); e != nil; e = e.Next() {
		id := e.Value.(string)
		desc := r.tools[id].descriptor
		if q != "" && !matchesQuery(desc, q) {
			continue
		}
		if !matchesFilters(desc, filters) {
			continue
		}
		out = append(out, desc)
	}
	return out
}

func matchesQuery(desc *ToolDescriptor, q string) bool {
	if strings.Contains(strings.ToLower(desc.Name), q) {
		return true
	}
	if strings.Contains(strings.ToLower(desc.Description), q) {
		return true
	}
	for _, t := range desc.Tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

func matchesFilters(desc *ToolDescriptor, f SearchFilters) bool {
	if f.Category != nil && desc.Category != *f.Category {
		return false
	}
	for _, tag := range f.Tags {
		found := false
		for _, t := range desc.Tags {
			if t == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Async != nil && desc.Capabilities.Async != *f.Async {
		return false
	}
	if f.Batch != nil && desc.Capabilities.Batch != *f.Batch {
		return false
	}
	if f.Streaming != nil && desc.Capabilities.Streaming != *f.Streaming {
		return false
	}
	if f.Webhook != nil && desc.Capabilities.Webhook != *f.Webhook {
		return false
	}
	if f.HasRateLimit != nil && (desc.RateLimit != nil) != *f.HasRateLimit {
		return false
	}
	if f.HasCache != nil && (desc.CachePolicy != nil && desc.CachePolicy.Enabled) != *f.HasCache {
		return false
	}
	return true
}

// HasVersionConflict reports whether id is registered with a version other
// than newVersion.
func (r *Registry) HasVersionConflict(id, newVersion string) bool {
	desc, ok := r.Get(id)
	if !ok {
		return false
	}
	return desc.Version != newVersion
}

// LoadPlugin registers every tool a plugin contributes, atomically: if any
// tool fails to register, every tool already added by this call is rolled
// back. Fails with PluginExists or MissingDependency.
func (r *Registry) LoadPlugin(p *Plugin) error {
	r.mu.Lock()
	if _, exists := r.plugins[p.ID]; exists {
		r.mu.Unlock()
		return NewToolError(ErrorTypeValidation, CodePluginExists, fmt.Sprintf("plugin %q already loaded", p.ID))
	}
	for _, dep := range p.Dependencies {
		if _, ok := r.plugins[dep]; !ok {
			r.mu.Unlock()
			return NewToolError(ErrorTypeDependency, CodeMissingDependency, fmt.Sprintf("plugin dependency %q is not loaded", dep))
		}
	}
	r.mu.Unlock()

	registered := make([]string, 0, len(p.Tools))
	for _, desc := range p.Tools {
		d := desc.Clone()
		d.Source = "plugin:" + p.ID
		if err := r.Register(d); err != nil {
			for _, id := range registered {
				r.Unregister(id)
			}
			return err
		}
		registered = append(registered, d.ID)
	}

	r.mu.Lock()
	r.plugins[p.ID] = p
	r.mu.Unlock()

	r.logger.Info("plugin loaded", zap.String("plugin_id", p.ID), zap.Int("tool_count", len(registered)))
	return nil
}

// UnloadPlugin unregisters every tool a plugin contributed and drops the
// plugin record.
func (r *Registry) UnloadPlugin(id string) {
	r.mu.Lock()
	plugin, ok := r.plugins[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.plugins, id)
	r.mu.Unlock()

	for _, desc := range plugin.Tools {
		r.Unregister(desc.ID)
	}
}

// ExportConfig snapshots the registry for external inspection.
func (r *Registry) ExportConfig() *ExportedConfig {
	r.mu.RLock()
	plugins := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		plugins = append(plugins, p)
	}
	r.mu.RUnlock()

	return &ExportedConfig{
		Tools:   r.All(),
		Plugins: plugins,
		Stats:   r.Stats(),
	}
}

// Clear drops every descriptor and plugin (test support).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]*toolRegistryEntry)
	r.categoryIndex = make(map[ToolCategory]map[string]bool)
	r.insertOrder = list.New()
	r.orderElem = make(map[string]*list.Element)
	r.plugins = make(map[string]*Plugin)
}

// Stats reports totals by category and capability.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		TotalTools:   len(r.tools),
		ByCategory:   make(map[ToolCategory]int),
		ByCapability: make(map[string]int),
	}
	for cat, bucket := range r.categoryIndex {
		stats.ByCategory[cat] = len(bucket)
	}
	for _, entry := range r.tools {
		c := entry.descriptor.Capabilities
		if c.Async {
			stats.ByCapability["async"]++
		}
		if c.Batch {
			stats.ByCapability["batch"]++
		}
		if c.Streaming {
			stats.ByCapability["streaming"]++
		}
		if c.Webhook {
			stats.ByCapability["webhook"]++
		}
	}
	return stats
}
