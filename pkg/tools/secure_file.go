package tools

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const maxSecureFileReadBytes = 100 * 1024 * 1024

// defaultDenyRoots mirrors the teacher's hardened defaults for the
// read_file/write_file tools: never touch credentials or kernel-exposed
// filesystems, regardless of what AllowedRoots a caller configures.
var defaultDenyRoots = []string{"/etc", "/sys", "/proc"}

// NewReadFileDescriptor builds the built-in data-category tool that reads
// a file's contents under guard's path policy.
func NewReadFileDescriptor(guard *PathGuard) *ToolDescriptor {
	if guard == nil {
		guard = &PathGuard{DenyRoots: defaultDenyRoots}
	}

	return &ToolDescriptor{
		ID:          "read_file",
		Name:        "Read File",
		Description: "Reads the contents of a file from the local filesystem.",
		Version:     "1.0.0",
		Category:    CategoryData,
		Source:      "builtin",
		Capabilities: ToolCapabilities{},
		InputSchema: &ToolSchema{
			Type:     "object",
			Required: []string{"path"},
			Properties: map[string]*Property{
				"path": {Type: "string", Description: "Absolute or relative path to the file to read.", MinLength: intPtr(1)},
			},
		},
		ValidateFn: func(args map[string]interface{}) *ValidationResult {
			return NewSchemaValidator(&ToolSchema{
				Type:     "object",
				Required: []string{"path"},
				Properties: map[string]*Property{
					"path": {Type: "string", MinLength: intPtr(1)},
				},
			}).Validate(args)
		},
		ExecuteFn: func(ctx context.Context, args map[string]interface{}, _ map[string]interface{}) (*ExecutionResult, error) {
			path, _ := args["path"].(string)
			if err := guard.Validate(path); err != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("path validation failed: %v", err)}, nil
			}

			file, err := os.Open(path)
			if err != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("failed to open file: %v", err)}, nil
			}
			defer file.Close()

			info, err := file.Stat()
			if err != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("failed to stat file: %v", err)}, nil
			}
			if !info.Mode().IsRegular() {
				return &ExecutionResult{Success: false, Error: "refusing to read a non-regular file"}, nil
			}

			data, err := io.ReadAll(io.LimitReader(file, maxSecureFileReadBytes))
			if err != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("failed to read file: %v", err)}, nil
			}

			return &ExecutionResult{
				Success: true,
				Data:    map[string]interface{}{"content": string(data), "size": len(data)},
			}, nil
		},
	}
}

// NewWriteFileDescriptor builds the built-in data-category tool that
// writes content to a file under guard's path policy.
func NewWriteFileDescriptor(guard *PathGuard) *ToolDescriptor {
	if guard == nil {
		guard = &PathGuard{DenyRoots: defaultDenyRoots}
	}

	return &ToolDescriptor{
		ID:          "write_file",
		Name:        "Write File",
		Description: "Writes content to a file on the local filesystem, creating parent directories as needed.",
		Version:     "1.0.0",
		Category:    CategoryData,
		Source:      "builtin",
		InputSchema: &ToolSchema{
			Type:     "object",
			Required: []string{"path", "content"},
			Properties: map[string]*Property{
				"path":    {Type: "string", MinLength: intPtr(1)},
				"content": {Type: "string"},
				"mode":    {Type: "string", Enum: []interface{}{"write", "append"}},
			},
		},
		ValidateFn: func(args map[string]interface{}) *ValidationResult {
			return NewSchemaValidator(&ToolSchema{
				Type:     "object",
				Required: []string{"path", "content"},
				Properties: map[string]*Property{
					"path":    {Type: "string", MinLength: intPtr(1)},
					"content": {Type: "string"},
					"mode":    {Type: "string", Enum: []interface{}{"write", "append"}},
				},
			}).Validate(args)
		},
		ExecuteFn: func(ctx context.Context, args map[string]interface{}, _ map[string]interface{}) (*ExecutionResult, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			mode, _ := args["mode"].(string)

			if err := guard.Validate(path); err != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("path validation failed: %v", err)}, nil
			}

			dir := filepath.Dir(path)
			if err := guard.Validate(dir); err != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("parent directory access denied: %v", err)}, nil
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("failed to create directory: %v", err)}, nil
			}

			flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if mode == "append" {
				flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}

			file, err := os.OpenFile(path, flags, 0o644)
			if err != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("failed to open file for writing: %v", err)}, nil
			}
			defer file.Close()

			if _, err := file.WriteString(content); err != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("failed to write file: %v", err)}, nil
			}
			if err := file.Sync(); err != nil {
				return &ExecutionResult{Success: false, Error: fmt.Sprintf("failed to sync file: %v", err)}, nil
			}

			return &ExecutionResult{
				Success: true,
				Data:    map[string]interface{}{"path": path, "bytes_written": len(content)},
			}, nil
		},
	}
}

func intPtr(v int) *int { return &v }
