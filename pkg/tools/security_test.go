package tools_test

import (
	"testing"

	"github.com/dispatchrt/tooldispatch/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSecurityScanner_DetectsScriptInjection(t *testing.T) {
	scanner := tools.NewDefaultSecurityScanner()
	result := scanner.Scan("echo", map[string]interface{}{
		"message": "<script>alert(1)</script>",
	})
	require.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, "XSS_SCRIPT_TAG", result.Errors[0].Code)
}

func TestDefaultSecurityScanner_DetectsSQLInjection(t *testing.T) {
	scanner := tools.NewDefaultSecurityScanner()
	result := scanner.Scan("query", map[string]interface{}{
		"filter": "1=1 UNION SELECT password FROM users",
	})
	require.False(t, result.Success)
}

func TestDefaultSecurityScanner_ScansNestedArguments(t *testing.T) {
	scanner := tools.NewDefaultSecurityScanner()
	result := scanner.Scan("echo", map[string]interface{}{
		"payload": map[string]interface{}{
			"items": []interface{}{"safe", "javascript:alert(1)"},
		},
	})
	require.False(t, result.Success)
}

func TestDefaultSecurityScanner_AllowsCleanInput(t *testing.T) {
	scanner := tools.NewDefaultSecurityScanner()
	result := scanner.Scan("echo", map[string]interface{}{
		"message": "hello world",
	})
	assert.True(t, result.Success)
	assert.Empty(t, result.Errors)
}

func TestPathGuard_DeniesRestrictedRoot(t *testing.T) {
	guard := &tools.PathGuard{DenyRoots: []string{"/etc"}}
	err := guard.Validate("/etc/passwd")
	assert.Error(t, err)
}

func TestPathGuard_AllowsWithinAllowedRoot(t *testing.T) {
	guard := &tools.PathGuard{AllowedRoots: []string{"/tmp/workdir"}}
	err := guard.Validate("/tmp/workdir/notes.txt")
	assert.NoError(t, err)
}

func TestPathGuard_DeniesOutsideAllowedRoot(t *testing.T) {
	guard := &tools.PathGuard{AllowedRoots: []string{"/tmp/workdir"}}
	err := guard.Validate("/tmp/other/notes.txt")
	assert.Error(t, err)
}

func TestPathGuard_RejectsNullByte(t *testing.T) {
	guard := &tools.PathGuard{}
	err := guard.Validate("/tmp/file\x00.txt")
	assert.Error(t, err)
}

func TestHostGuard_DeniesMetadataHost(t *testing.T) {
	guard := tools.DefaultHostGuard()
	err := guard.Validate("http://169.254.169.254/latest/meta-data")
	assert.Error(t, err)
}

func TestHostGuard_AllowsOrdinaryHTTPS(t *testing.T) {
	guard := tools.DefaultHostGuard()
	err := guard.Validate("https://api.example.com/v1/resource")
	assert.NoError(t, err)
}

func TestHostGuard_DeniesDisallowedScheme(t *testing.T) {
	guard := tools.DefaultHostGuard()
	err := guard.Validate("ftp://example.com/file")
	assert.Error(t, err)
}

func TestHostGuard_DeniesNonAllowlistedHost(t *testing.T) {
	guard := &tools.HostGuard{AllowedHosts: []string{"api.example.com"}, AllowedSchemes: []string{"https"}}
	err := guard.Validate("https://evil.example.org/path")
	assert.Error(t, err)
}
