package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// manifestToolSpec is one entry in a declarative tool manifest: metadata
// describing a remote tool plus the HTTP call that reaches it. Manifests
// carry no executable code — only the thin shim below turns a spec into a
// callable ExecuteFn.
type manifestToolSpec struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description" yaml:"description"`
	Version     string       `json:"version" yaml:"version"`
	Category    ToolCategory `json:"category" yaml:"category"`
	Method      string       `json:"method" yaml:"method"`
	Endpoint    string       `json:"endpoint" yaml:"endpoint"`
	InputSchema *ToolSchema  `json:"inputSchema" yaml:"inputSchema"`
}

type manifestDocument struct {
	Tools []manifestToolSpec `json:"tools" yaml:"tools"`
}

// toDescriptor builds a registrable ToolDescriptor whose ExecuteFn is a
// thin HTTP-calling shim: GET manifests send args as a JSON-encoded "args"
// query parameter, POST manifests send args as a JSON body. Every call is
// still subject to the host guard, so a manifest cannot be used to reach an
// address the rest of the runtime forbids.
func (spec manifestToolSpec) toDescriptor(guard *HostGuard, client *http.Client) (*ToolDescriptor, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("manifest entry missing id")
	}
	if spec.Endpoint == "" {
		return nil, fmt.Errorf("manifest entry %q missing endpoint", spec.ID)
	}
	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("manifest entry %q declares unsupported method %q", spec.ID, spec.Method)
	}

	schema := spec.InputSchema
	if schema == nil {
		schema = &ToolSchema{Type: "object"}
	}

	name := spec.Name
	if name == "" {
		name = spec.ID
	}
	category := spec.Category
	if !category.Valid() {
		category = CategoryData
	}

	return &ToolDescriptor{
		ID:          spec.ID,
		Name:        name,
		Description: spec.Description,
		Version:     spec.Version,
		Category:    category,
		Source:      "manifest",
		InputSchema: schema,
		ValidateFn:  NewSchemaValidator(schema).Validate,
		ExecuteFn:   manifestExecuteFn(spec.ID, method, spec.Endpoint, guard, client),
	}, nil
}

func manifestExecuteFn(toolID, method, endpoint string, guard *HostGuard, client *http.Client) ExecuteFunc {
	return func(ctx context.Context, args map[string]interface{}, _ map[string]interface{}) (*ExecutionResult, error) {
		if err := guard.Validate(endpoint); err != nil {
			return &ExecutionResult{Success: false, Error: fmt.Sprintf("endpoint validation failed: %v", err)}, nil
		}

		var req *http.Request
		var err error
		if method == http.MethodGet {
			payload, _ := json.Marshal(args)
			req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err == nil {
				q := req.URL.Query()
				q.Set("args", string(payload))
				req.URL.RawQuery = q.Encode()
			}
		} else {
			payload, marshalErr := json.Marshal(args)
			if marshalErr != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("encoding arguments: %v", marshalErr)}, nil
			}
			req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(payload)))
			if err == nil {
				req.Header.Set("Content-Type", "application/json")
			}
		}
		if err != nil {
			return &ExecutionResult{Success: false, Error: fmt.Sprintf("invalid request: %v", err)}, nil
		}

		resp, err := client.Do(req)
		if err != nil {
			return &ExecutionResult{Success: false, Error: fmt.Sprintf("manifest tool %q request failed: %v", toolID, err)}, nil
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxSecureHTTPResponseBytes))
		if err != nil {
			return &ExecutionResult{Success: false, Error: fmt.Sprintf("reading response: %v", err)}, nil
		}

		return &ExecutionResult{
			Success: resp.StatusCode < 400,
			Data: map[string]interface{}{
				"status_code": resp.StatusCode,
				"body":        string(body),
			},
		}, nil
	}
}

// LoadManifest parses a JSON or YAML document of declarative tool
// descriptions from src and registers each as a metadata-only descriptor
// (register_or_replace semantics, so re-reading a changed manifest
// hot-reloads it). It returns the number of tools registered; per-entry
// failures are logged and skipped rather than aborting the whole manifest.
func (r *Registry) LoadManifest(ctx context.Context, src io.Reader) (int, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return 0, fmt.Errorf("reading manifest: %w", err)
	}

	var doc manifestDocument
	jsonErr := json.Unmarshal(data, &doc)
	if jsonErr != nil || len(doc.Tools) == 0 {
		doc = manifestDocument{}
		if yamlErr := yaml.Unmarshal(data, &doc); yamlErr != nil {
			if jsonErr != nil {
				return 0, fmt.Errorf("manifest is neither valid JSON (%v) nor valid YAML (%v)", jsonErr, yamlErr)
			}
			return 0, fmt.Errorf("manifest: %w", yamlErr)
		}
	}

	guard := DefaultHostGuard()
	client := &http.Client{Timeout: 15 * time.Second}

	registered := 0
	for _, spec := range doc.Tools {
		if err := ctx.Err(); err != nil {
			return registered, err
		}
		desc, err := spec.toDescriptor(guard, client)
		if err != nil {
			r.logger.Warn("manifest entry skipped", zap.String("tool_id", spec.ID), zap.Error(err))
			continue
		}
		if _, err := r.RegisterOrReplace(desc); err != nil {
			r.logger.Warn("manifest entry failed to register", zap.String("tool_id", desc.ID), zap.Error(err))
			continue
		}
		registered++
	}

	return registered, nil
}
