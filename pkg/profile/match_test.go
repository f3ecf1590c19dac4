package profile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScriptMatch(t *testing.T) {
	info := &DeviceInfo{
		Platform:        "Android",
		PlatformVersion: "5.1.1",
		DeviceModel:     "Nexus 9",
		EngineVersion:   "3.3.4",
	}

	cases := []struct {
		expr    string
		matched bool
	}{
		{`c.platform == "android"`, true},
		{`c.device_model == "nexus 9"`, true},
		{`c.device_model == "Nexus 9"`, false},
		{`c.platform_version < "6.0"`, true},
		{`c.platform_version >= "5.1.1"`, true},
		{`c.platform_version > "6"`, false},
		{`c.platform_version != ""`, true},
		{`c.engine_version != "" && c.engine_version < "3.0.0"`, false},
		{`c.engine_version >= "3.3.0"`, true},
		{`c.platform == "ios" || c.device_model == "nexus 9"`, true},
		{`c.unknown == "x"`, false},
	}
	for _, tc := range cases {
		m, err := NewScriptMatch(tc.expr)
		require.NoError(t, err, tc.expr)

		matched, err := m.Match(info)
		require.NoError(t, err, tc.expr)
		require.Equal(t, tc.matched, matched, tc.expr)
	}
}

func TestScriptMatchEmptyVersion(t *testing.T) {
	// desktop hosts report no platform version, guarded rules must not fire
	m := mustMatch(`c.platform_version != "" && c.platform_version < "6.0"`)
	matched, err := m.Match(&DeviceInfo{Platform: "linux"})
	require.NoError(t, err)
	require.False(t, matched)
}

func TestScriptMatchInvalidExpression(t *testing.T) {
	_, err := NewScriptMatch(`c.platform ==`)
	require.Error(t, err)
}

func TestScriptMatchNonBoolResult(t *testing.T) {
	m, err := NewScriptMatch(`c.platform`)
	require.NoError(t, err)

	matched, err := m.Match(&DeviceInfo{Platform: "linux"})
	require.Error(t, err)
	require.False(t, matched)
}
