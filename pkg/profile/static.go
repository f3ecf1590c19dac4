package profile

import (
	"github.com/peerdial/peerdial/pkg/sdp"
)

func mustMatch(expr string) *ScriptMatch {
	m, err := NewScriptMatch(expr)
	if err != nil {
		panic(err)
	}
	return m
}

// BuiltinRules lists device-side media limitations that should apply
// everywhere. All built-ins merge, so several can stack on one device.
var BuiltinRules = []Rule{
	// hardware H264 encode is broken on this tablet's codec firmware
	{
		Matcher:   mustMatch(`c.platform == "android" && c.device_model == "nexus 9"`),
		Overrides: &Overrides{DisabledVideoCodecs: []string{sdp.VideoCodecH264}},
		Merge:     true,
	},
	// pre-6.0 builds misreport hardware echo cancellation support
	{
		Matcher: mustMatch(`c.platform == "android" && c.platform_version != "" && c.platform_version < "6.0"`),
		Overrides: &Overrides{
			DisableAudioProcessing: true,
			CapVideoWidth:          640,
			CapVideoHeight:         480,
		},
		Merge: true,
	},
	// level control predates engine 3.0 constraint handling
	{
		Matcher:   mustMatch(`c.engine_version != "" && c.engine_version < "3.0.0"`),
		Overrides: &Overrides{DisableLevelControl: true},
		Merge:     true,
	},
}
