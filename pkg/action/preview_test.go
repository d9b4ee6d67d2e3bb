package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPreviewer(t *testing.T) *Previewer {
	t.Helper()
	reg, err := NewRegistry(BuiltinCatalog())
	require.NoError(t, err)
	return NewPreviewer(reg)
}

func TestPreviewSubstitutesParams(t *testing.T) {
	p := newTestPreviewer(t)

	preview, err := p.Preview("clear-app-cache", map[string]string{"bundleId": "com.example.app"})
	require.NoError(t, err)

	assert.Equal(t, "clear-app-cache", preview.ActionID)
	require.Len(t, preview.Commands, 3)
	assert.Equal(t, "mkdir -p /tmp/ohfixit_cache_backup/com.example.app", preview.Commands[0])
	assert.Equal(t, "rm -rf ~/Library/Caches/com.example.app", preview.Commands[2])
	assert.True(t, preview.Reversible)
	assert.NotEmpty(t, preview.Risks)
}

func TestPreviewNoParams(t *testing.T) {
	p := newTestPreviewer(t)

	preview, err := p.Preview("flush-dns-macos", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"sudo dscacheutil -flushcache",
		"sudo killall -HUP mDNSResponder",
	}, preview.Commands)
	assert.False(t, preview.Reversible)
	assert.NotNil(t, preview.Risks)
}

func TestPreviewUnknownAction(t *testing.T) {
	p := newTestPreviewer(t)

	_, err := p.Preview("install-rootkit", nil)
	assert.ErrorIs(t, err, ErrActionNotFound)
}

func TestPreviewMissingParameter(t *testing.T) {
	p := newTestPreviewer(t)

	_, err := p.Preview("clear-app-cache", nil)
	assert.ErrorIs(t, err, ErrMissingParameter)
}

func TestPreviewRejectsMetacharacters(t *testing.T) {
	p := newTestPreviewer(t)

	injections := []string{
		"com.example; rm -rf /",
		"$(whoami)",
		"a b",
		"../../etc",
		"`id`",
		"",
	}
	for _, v := range injections {
		_, err := p.Preview("clear-app-cache", map[string]string{"bundleId": v})
		assert.ErrorIs(t, err, ErrInvalidParameter, "value %q must be rejected", v)
	}
}

func TestPreviewRejectsUndeclaredParam(t *testing.T) {
	p := newTestPreviewer(t)

	_, err := p.Preview("flush-dns-macos", map[string]string{"extra": "value"})
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestPreviewCustomPatternStillBoundedByDefault(t *testing.T) {
	// A permissive custom pattern cannot widen beyond the single-argument
	// default: both must match.
	reg, err := NewRegistry([]AllowlistedAction{{
		ID:       "echo-test",
		Title:    "Echo",
		OS:       PlatformLinux,
		Category: "system",
		Implementation: Implementation{
			Description:     "echo",
			CommandTemplate: []string{"echo {msg}"},
			Params:          []ParamSpec{{Name: "msg", Pattern: `^.+$`}},
			EstimatedTime:   "1 second",
		},
	}})
	require.NoError(t, err)
	p := NewPreviewer(reg)

	_, err = p.Preview("echo-test", map[string]string{"msg": "hello; reboot"})
	assert.ErrorIs(t, err, ErrInvalidParameter)

	preview, err := p.Preview("echo-test", map[string]string{"msg": "hello"})
	require.NoError(t, err)
	assert.Equal(t, []string{"echo hello"}, preview.Commands)
}
