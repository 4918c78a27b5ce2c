package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxSecureHTTPResponseBytes = 10 * 1024 * 1024

// NewHTTPGetDescriptor builds the built-in communication-category tool
// that issues a GET request under guard's host policy.
func NewHTTPGetDescriptor(guard *HostGuard, client *http.Client) *ToolDescriptor {
	if guard == nil {
		guard = DefaultHostGuard()
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	return &ToolDescriptor{
		ID:          "http_get",
		Name:        "HTTP GET",
		Description: "Issues an HTTP GET request to an allow-listed host and returns the response body.",
		Version:     "1.0.0",
		Category:    CategoryCommunication,
		Source:      "builtin",
		InputSchema: &ToolSchema{
			Type:     "object",
			Required: []string{"url"},
			Properties: map[string]*Property{
				"url":     {Type: "string", Format: "uri"},
				"headers": {Type: "object"},
			},
		},
		ValidateFn: func(args map[string]interface{}) *ValidationResult {
			return NewSchemaValidator(&ToolSchema{
				Type:     "object",
				Required: []string{"url"},
				Properties: map[string]*Property{
					"url": {Type: "string", Format: "uri"},
				},
			}).Validate(args)
		},
		ExecuteFn: func(ctx context.Context, args map[string]interface{}, _ map[string]interface{}) (*ExecutionResult, error) {
			rawURL, _ := args["url"].(string)
			if err := guard.Validate(rawURL); err != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("URL validation failed: %v", err)}, nil
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("invalid request: %v", err)}, nil
			}
			if headers, ok := args["headers"].(map[string]interface{}); ok {
				for k, v := range headers {
					if s, ok := v.(string); ok {
						req.Header.Set(k, s)
					}
				}
			}

			resp, err := client.Do(req)
			if err != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("request failed: %v", err)}, nil
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxSecureHTTPResponseBytes))
			if err != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("failed to read response: %v", err)}, nil
			}

			return &ExecutionResult{
				Success: true,
				Data: map[string]interface{}{
					"status_code": resp.StatusCode,
					"body":        string(body),
				},
			}, nil
		},
	}
}

// NewHTTPPostDescriptor builds the built-in communication-category tool
// that issues a POST request under guard's host policy.
func NewHTTPPostDescriptor(guard *HostGuard, client *http.Client) *ToolDescriptor {
	if guard == nil {
		guard = DefaultHostGuard()
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	return &ToolDescriptor{
		ID:          "http_post",
		Name:        "HTTP POST",
		Description: "Issues an HTTP POST request to an allow-listed host with a text body.",
		Version:     "1.0.0",
		Category:    CategoryCommunication,
		Source:      "builtin",
		InputSchema: &ToolSchema{
			Type:     "object",
			Required: []string{"url", "body"},
			Properties: map[string]*Property{
				"url":          {Type: "string", Format: "uri"},
				"body":         {Type: "string"},
				"content_type": {Type: "string"},
			},
		},
		ValidateFn: func(args map[string]interface{}) *ValidationResult {
			return NewSchemaValidator(&ToolSchema{
				Type:     "object",
				Required: []string{"url", "body"},
				Properties: map[string]*Property{
					"url":  {Type: "string", Format: "uri"},
					"body": {Type: "string"},
				},
			}).Validate(args)
		},
		ExecuteFn: func(ctx context.Context, args map[string]interface{}, _ map[string]interface{}) (*ExecutionResult, error) {
			rawURL, _ := args["url"].(string)
			body, _ := args["body"].(string)
			contentType, _ := args["content_type"].(string)
			if contentType == "" {
				contentType = "application/json"
			}

			if err := guard.Validate(rawURL); err != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("URL validation failed: %v", err)}, nil
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(body))
			if err != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("invalid request: %v", err)}, nil
			}
			req.Header.Set("Content-Type", contentType)

			resp, err := client.Do(req)
			if err != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("request failed: %v", err)}, nil
			}
			defer resp.Body.Close()

			respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxSecureHTTPResponseBytes))
			if err != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("failed to read response: %v", err)}, nil
			}

			return &ExecutionResult{
				Success: true,
				Data: map[string]interface{}{
					"status_code": resp.StatusCode,
					"body":        string(respBody),
				},
			}, nil
		},
	}
}
