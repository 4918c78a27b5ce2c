package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ToolCategory is the closed set of categories a tool descriptor may declare.
type ToolCategory string

const (
	// CategoryUnknown is the zero value; it is never a valid registered category.
	CategoryUnknown     ToolCategory = ""
	CategoryCommunication ToolCategory = "communication"
	CategoryProductivity  ToolCategory = "productivity"
	CategoryDevelopment   ToolCategory = "development"
	CategoryData          ToolCategory = "data"
)

// Valid reports whether c is one of the enumerated, non-zero categories.
func (c ToolCategory) Valid() bool {
	switch c {
	case CategoryCommunication, CategoryProductivity, CategoryDevelopment, CategoryData:
		return true
	default:
		return false
	}
}

// RateLimitStrategy is the closed set of admission strategies a descriptor
// may declare. RateLimiter picks a distinct algorithm per strategy (fixed
// window, sliding window, or token bucket) behind the same
// check-and-increment contract.
type RateLimitStrategy string

const (
	RateLimitFixed       RateLimitStrategy = "fixed"
	RateLimitSliding     RateLimitStrategy = "sliding"
	RateLimitTokenBucket RateLimitStrategy = "token-bucket"
)

// RateLimitPolicy is a tool's declared rate-limit budget.
type RateLimitPolicy struct {
	Requests int               `json:"requests"`
	Period   time.Duration     `json:"period"`
	Strategy RateLimitStrategy `json:"strategy"`
}

// CacheTier names where a tool's cached results may live.
type CacheTier string

const (
	CacheTierMemory CacheTier = "memory"
	CacheTierRemote CacheTier = "remote"
	CacheTierHybrid CacheTier = "hybrid"
)

// CachePolicy is a tool's declared caching behavior.
//
// TTLSeconds == 0 means the cached value never expires on its own (it still
// evicts under the local tier's capacity bound).
type CachePolicy struct {
	Enabled    bool                                     `json:"enabled"`
	TTLSeconds int                                       `json:"ttlSeconds"`
	KeyFn      func(args map[string]interface{}) string `json:"-"`
	Tier       CacheTier                                 `json:"tier"`
}

// ToolCapabilities are the boolean feature flags a descriptor declares.
// Execute ignores them; ExecuteAsync accepts only descriptors with Async
// set, and ExecuteStream only those with Streaming set (and a StreamFn).
type ToolCapabilities struct {
	Async     bool `json:"async"`
	Batch     bool `json:"batch"`
	Streaming bool `json:"streaming"`
	Webhook   bool `json:"webhook"`
}

// BeforeHook may rewrite the call arguments before the rest of the
// pipeline runs.
type BeforeHook func(args map[string]interface{}) (map[string]interface{}, error)

// AfterHook may rewrite a successful (or cache-hit) result before it is
// returned to the caller.
type AfterHook func(result *ExecutionResult) (*ExecutionResult, error)

// OnErrorHook is a best-effort notification the executor runs on every
// failed Execute call (any pipeline step), passing nil for args; a panic
// inside it is recovered and never affects the result returned to the caller.
type OnErrorHook func(err error, args map[string]interface{})

// ValidateFunc runs structural/schema validation over call arguments.
type ValidateFunc func(args map[string]interface{}) *ValidationResult

// ExecuteFunc performs the tool's side-effecting work.
type ExecuteFunc func(ctx context.Context, args map[string]interface{}, config map[string]interface{}) (*ExecutionResult, error)

// ToolDescriptor is the metadata+hooks record a tool registers with a
// Registry. Descriptors are treated as immutable post-registration; use
// Clone to obtain a mutable copy before calling the Set* methods.
//
// Invariants: ID uniquely identifies a descriptor within a registry;
// Category is one of the enumerated ToolCategory values; ValidateFn and
// ExecuteFn are always non-nil on a registrable descriptor; RateLimit, if
// set, has Requests >= 0; CachePolicy, if set and Enabled, has
// TTLSeconds >= 0.
type ToolDescriptor struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Version     string       `json:"version"`
	Category    ToolCategory `json:"category"`
	Tags        []string     `json:"tags,omitempty"`

	// Source records provenance: "builtin", "manifest" or "plugin:<id>".
	// It is informational; UnloadPlugin finds a plugin's tools through
	// Plugin.Tools, not through this field.
	Source string `json:"source,omitempty"`

	InputSchema *ToolSchema `json:"inputSchema"`

	Metadata *ToolMetadata `json:"metadata,omitempty"`

	Capabilities ToolCapabilities `json:"capabilities"`

	RateLimit      *RateLimitPolicy   `json:"rateLimit,omitempty"`
	CachePolicy    *CachePolicy       `json:"cachePolicy,omitempty"`
	RequiredConfig []string           `json:"requiredConfig,omitempty"`
	OptionalConfig []string           `json:"optionalConfig,omitempty"`

	Before  BeforeHook  `json:"-"`
	After   AfterHook   `json:"-"`
	OnError OnErrorHook `json:"-"`

	ValidateFn  ValidateFunc      `json:"-"`
	ExecuteFn   ExecuteFunc       `json:"-"`
	StreamFn    StreamExecuteFunc `json:"-"`

	// Copy-on-write optimization fields, mirroring the teacher's Tool type.
	refCount int32        `json:"-"`
	isShared bool         `json:"-"`
	mu       sync.RWMutex `json:"-"`
}

// ReadOnlyTool provides a read-only view of a descriptor to avoid cloning
// overhead on the hot registry-read path.
type ReadOnlyTool interface {
	GetID() string
	GetName() string
	GetVersion() string
	GetCategory() ToolCategory
	GetDescription() string
	GetSchema() *ToolSchema
	GetCapabilities() ToolCapabilities
	// Clone returns a full copy if modification is needed.
	Clone() *ToolDescriptor
}

type readOnlyToolView struct {
	tool *ToolDescriptor
}

// NewReadOnlyTool creates a read-only view without cloning. The returned
// view shares the underlying descriptor, so the original must not be
// mutated while the view is in use.
func NewReadOnlyTool(tool *ToolDescriptor) ReadOnlyTool {
	return &readOnlyToolView{tool: tool}
}

func (r *readOnlyToolView) GetID() string                        { return r.tool.ID }
func (r *readOnlyToolView) GetName() string                      { return r.tool.Name }
func (r *readOnlyToolView) GetVersion() string                   { return r.tool.Version }
func (r *readOnlyToolView) GetCategory() ToolCategory             { return r.tool.Category }
func (r *readOnlyToolView) GetDescription() string                { return r.tool.Description }
func (r *readOnlyToolView) GetSchema() *ToolSchema                 { return r.tool.InputSchema }
func (r *readOnlyToolView) GetCapabilities() ToolCapabilities      { return r.tool.Capabilities }
func (r *readOnlyToolView) Clone() *ToolDescriptor                 { return r.tool.Clone() }

// ToolSchema represents a JSON-Schema-like description of a tool's
// arguments. It follows JSON Schema draft-07 with the common patterns the
// Validator exercises.
type ToolSchema struct {
	Type                 string                `json:"type"`
	Properties           map[string]*Property  `json:"properties,omitempty"`
	Required             []string              `json:"required,omitempty"`
	AdditionalProperties *bool                 `json:"additionalProperties,omitempty"`
	Description          string                `json:"description,omitempty"`
}

// Property represents a single parameter in a tool schema. It supports the
// JSON Schema features the Validator understands: basic types, format,
// enum, numeric/string/array bounds, and nested objects/arrays.
type Property struct {
	Type        string        `json:"type,omitempty"`
	Description string        `json:"description,omitempty"`
	Format      string        `json:"format,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
	Default     interface{}   `json:"default,omitempty"`

	Minimum *float64 `json:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty"`

	MinLength *int `json:"minLength,omitempty"`
	MaxLength *int `json:"maxLength,omitempty"`

	Pattern string `json:"pattern,omitempty"`

	Items      *Property            `json:"items,omitempty"`
	Properties map[string]*Property `json:"properties,omitempty"`
	Required   []string             `json:"required,omitempty"`

	MinItems    *int  `json:"minItems,omitempty"`
	MaxItems    *int  `json:"maxItems,omitempty"`
	UniqueItems *bool `json:"uniqueItems,omitempty"`
}

// ToolMetadata carries documentation and discovery metadata that is not
// part of the executable contract.
type ToolMetadata struct {
	Author        string                 `json:"author,omitempty"`
	License       string                 `json:"license,omitempty"`
	Documentation string                 `json:"documentation,omitempty"`
	Examples      []ToolExample          `json:"examples,omitempty"`
	Tags          []string               `json:"tags,omitempty"`
	Custom        map[string]interface{} `json:"custom,omitempty"`
}

// ToolExample shows how to call a tool.
type ToolExample struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Input       map[string]interface{} `json:"input"`
	Output      interface{}            `json:"output,omitempty"`
}

// ExecutionResult is the outcome of a single tool execution.
type ExecutionResult struct {
	Success  bool                   `json:"success"`
	Data     interface{}            `json:"data,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata *ExecutionMetadata     `json:"metadata,omitempty"`
}

// ExecutionMetadata is the observability bundle attached to every
// ExecutionResult.
type ExecutionMetadata struct {
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	CacheHit        bool     `json:"cache_hit"`
	APICallsCount   int      `json:"api_calls_count"`
	Cost            *float64 `json:"cost,omitempty"`
}

// ValidationResult is the outcome of schema or security validation.
type ValidationResult struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Errors  []ValidationError      `json:"errors,omitempty"`
}

// StreamChunk is a piece of streaming output from a descriptor whose
// Capabilities.Streaming is true and which sets StreamFn.
type StreamChunk struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Index     int         `json:"index"`
	Timestamp time.Time   `json:"timestamp"`
}

// StreamExecuteFunc is the streaming counterpart to ExecuteFunc. A
// descriptor that declares Capabilities.Streaming should set this in
// addition to ExecuteFn; the channel must be closed when the stream ends.
type StreamExecuteFunc func(ctx context.Context, args map[string]interface{}, config map[string]interface{}) (<-chan *StreamChunk, error)

// ToolFilter narrows a registry search.
type ToolFilter struct {
	Category     ToolCategory
	Tags         []string
	Capabilities *ToolCapabilities
	HasRateLimit *bool
	HasCache     *bool
}

// Validate checks structural requirements shared by register and
// register_or_replace: id/name/category/schema/validate/execute must be
// present and category must be one of the enumerated values.
func (t *ToolDescriptor) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("tool id is required")
	}
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if !t.Category.Valid() {
		return fmt.Errorf("tool category %q is not one of the enumerated categories", t.Category)
	}
	if t.InputSchema == nil {
		return fmt.Errorf("tool input schema is required")
	}
	if t.ValidateFn == nil {
		return fmt.Errorf("tool validate function is required")
	}
	if t.ExecuteFn == nil {
		return fmt.Errorf("tool execute function is required")
	}
	if t.RateLimit != nil && t.RateLimit.Requests < 0 {
		return fmt.Errorf("rate_limit.requests must be >= 0")
	}
	if t.CachePolicy != nil && t.CachePolicy.Enabled && t.CachePolicy.TTLSeconds < 0 {
		return fmt.Errorf("cache_policy.ttl_seconds must be >= 0")
	}

	if err := t.InputSchema.Validate(); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	return nil
}

// Validate checks that the schema is internally consistent.
func (s *ToolSchema) Validate() error {
	if s.Type != "object" {
		return fmt.Errorf("schema type must be 'object', got %q", s.Type)
	}

	for name, prop := range s.Properties {
		if err := prop.Validate(); err != nil {
			return fmt.Errorf("property %q: %w", name, err)
		}
	}

	for _, req := range s.Required {
		if _, ok := s.Properties[req]; !ok {
			return fmt.Errorf("required property %q not defined in schema", req)
		}
	}

	return nil
}

// Validate checks that the property type is recognized and that nested
// properties are also valid.
func (p *Property) Validate() error {
	validTypes := map[string]bool{
		"string": true, "number": true, "integer": true,
		"boolean": true, "array": true, "object": true, "null": true,
	}

	if p.Type != "" && !validTypes[p.Type] {
		return fmt.Errorf("invalid type %q", p.Type)
	}

	if p.Type == "array" && p.Items != nil {
		if err := p.Items.Validate(); err != nil {
			return fmt.Errorf("array items: %w", err)
		}
	}

	if p.Type == "object" && p.Properties != nil {
		for name, prop := range p.Properties {
			if err := prop.Validate(); err != nil {
				return fmt.Errorf("nested property %q: %w", name, err)
			}
		}
	}

	return nil
}

// MarshalJSON customizes JSON marshaling so function-valued fields never
// leak into the wire representation; export_config relies on this shape.
func (t *ToolDescriptor) MarshalJSON() ([]byte, error) {
	type Alias ToolDescriptor
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(t),
	})
}

// Clone creates a deep copy of the descriptor. Function-valued fields
// (Before/After/OnError/ValidateFn/ExecuteFn) are shared, not cloned, since
// they are stateless closures.
func (t *ToolDescriptor) Clone() *ToolDescriptor {
	clone := &ToolDescriptor{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		Version:     t.Version,
		Category:    t.Category,
		Source:      t.Source,
		Capabilities: t.Capabilities,
		Before:      t.Before,
		After:       t.After,
		OnError:     t.OnError,
		ValidateFn:  t.ValidateFn,
		ExecuteFn:   t.ExecuteFn,
		StreamFn:    t.StreamFn,
	}

	if t.Tags != nil {
		clone.Tags = append([]string(nil), t.Tags...)
	}
	if t.RequiredConfig != nil {
		clone.RequiredConfig = append([]string(nil), t.RequiredConfig...)
	}
	if t.OptionalConfig != nil {
		clone.OptionalConfig = append([]string(nil), t.OptionalConfig...)
	}
	if t.InputSchema != nil {
		clone.InputSchema = t.InputSchema.Clone()
	}
	if t.Metadata != nil {
		clone.Metadata = t.Metadata.Clone()
	}
	if t.RateLimit != nil {
		rl := *t.RateLimit
		clone.RateLimit = &rl
	}
	if t.CachePolicy != nil {
		cp := *t.CachePolicy
		clone.CachePolicy = &cp
	}

	return clone
}

// CloneOptimized creates a copy-on-write clone for read-heavy paths; actual
// field copies are deferred to ensureWritable.
func (t *ToolDescriptor) CloneOptimized() *ToolDescriptor {
	if t == nil {
		return nil
	}

	if t.isShared {
		atomic.AddInt32(&t.refCount, 1)
		return t
	}

	clone := &ToolDescriptor{
		ID:           t.ID,
		Name:         t.Name,
		Description:  t.Description,
		Version:      t.Version,
		Category:     t.Category,
		Source:       t.Source,
		Tags:         t.Tags,
		InputSchema:  t.InputSchema,
		Metadata:     t.Metadata,
		Capabilities: t.Capabilities,
		RateLimit:    t.RateLimit,
		CachePolicy:  t.CachePolicy,
		Before:       t.Before,
		After:        t.After,
		OnError:      t.OnError,
		ValidateFn:   t.ValidateFn,
		ExecuteFn:    t.ExecuteFn,
		StreamFn:     t.StreamFn,
		refCount:     1,
		isShared:     true,
	}

	t.isShared = true
	t.refCount = 1

	return clone
}

// ensureWritable deep-copies shared structures before a setter mutates them.
func (t *ToolDescriptor) ensureWritable() {
	if !t.isShared {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isShared {
		return
	}

	if t.InputSchema != nil {
		t.InputSchema = t.InputSchema.Clone()
	}
	if t.Metadata != nil {
		t.Metadata = t.Metadata.Clone()
	}
	if t.Tags != nil {
		t.Tags = append([]string(nil), t.Tags...)
	}

	t.isShared = false
	t.refCount = 0
}

// SetName sets the descriptor name (triggers copy-on-write if needed).
func (t *ToolDescriptor) SetName(name string) {
	t.ensureWritable()
	t.Name = name
}

// SetVersion sets the descriptor version (triggers copy-on-write if needed).
func (t *ToolDescriptor) SetVersion(version string) {
	t.ensureWritable()
	t.Version = version
}

// SetCategory sets the descriptor category (triggers copy-on-write if needed).
func (t *ToolDescriptor) SetCategory(category ToolCategory) {
	t.ensureWritable()
	t.Category = category
}

// IsShared returns true if the descriptor is using copy-on-write semantics.
func (t *ToolDescriptor) IsShared() bool {
	return t.isShared
}

// Clone creates a deep copy of the schema.
func (s *ToolSchema) Clone() *ToolSchema {
	clone := &ToolSchema{
		Type:        s.Type,
		Description: s.Description,
	}

	if s.Properties != nil {
		clone.Properties = make(map[string]*Property, len(s.Properties))
		for k, v := range s.Properties {
			clone.Properties[k] = v.Clone()
		}
	}

	if s.Required != nil {
		clone.Required = append([]string(nil), s.Required...)
	}

	if s.AdditionalProperties != nil {
		b := *s.AdditionalProperties
		clone.AdditionalProperties = &b
	}

	return clone
}

// Clone creates a deep copy of the property.
func (p *Property) Clone() *Property {
	clone := &Property{
		Type:        p.Type,
		Description: p.Description,
		Format:      p.Format,
		Pattern:     p.Pattern,
		Default:     p.Default,
	}

	if p.Enum != nil {
		clone.Enum = append([]interface{}(nil), p.Enum...)
	}
	if p.Minimum != nil {
		m := *p.Minimum
		clone.Minimum = &m
	}
	if p.Maximum != nil {
		m := *p.Maximum
		clone.Maximum = &m
	}
	if p.MinLength != nil {
		m := *p.MinLength
		clone.MinLength = &m
	}
	if p.MaxLength != nil {
		m := *p.MaxLength
		clone.MaxLength = &m
	}
	if p.MinItems != nil {
		m := *p.MinItems
		clone.MinItems = &m
	}
	if p.MaxItems != nil {
		m := *p.MaxItems
		clone.MaxItems = &m
	}
	if p.UniqueItems != nil {
		b := *p.UniqueItems
		clone.UniqueItems = &b
	}
	if p.Items != nil {
		clone.Items = p.Items.Clone()
	}
	if p.Properties != nil {
		clone.Properties = make(map[string]*Property, len(p.Properties))
		for k, v := range p.Properties {
			clone.Properties[k] = v.Clone()
		}
	}
	if p.Required != nil {
		clone.Required = append([]string(nil), p.Required...)
	}

	return clone
}

// Clone creates a deep copy of the metadata. The Custom map is
// shallow-copied: its values are not deep-cloned.
func (m *ToolMetadata) Clone() *ToolMetadata {
	clone := &ToolMetadata{
		Author:        m.Author,
		License:       m.License,
		Documentation: m.Documentation,
	}

	if m.Examples != nil {
		clone.Examples = make([]ToolExample, len(m.Examples))
		for i, ex := range m.Examples {
			clone.Examples[i] = ToolExample{
				Name:        ex.Name,
				Description: ex.Description,
				Input:       cloneMap(ex.Input),
				Output:      ex.Output,
			}
		}
	}

	if m.Tags != nil {
		clone.Tags = append([]string(nil), m.Tags...)
	}
	if m.Custom != nil {
		clone.Custom = cloneMap(m.Custom)
	}

	return clone
}

// cloneMap creates a shallow copy of a map.
func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	clone := make(map[string]interface{}, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}
