package profile

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/thoas/go-funk"

	"github.com/peerdial/peerdial/pkg/config"
	"github.com/peerdial/peerdial/pkg/logger"
	"github.com/peerdial/peerdial/pkg/rtc"
)

// DeviceInfo identifies the machine a call runs on. Rules match against
// these fields.
type DeviceInfo struct {
	Platform        string
	PlatformVersion string
	DeviceModel     string
	EngineVersion   string
}

func (d *DeviceInfo) String() string {
	return fmt.Sprintf("%s/%s %s engine %s", d.Platform, d.PlatformVersion, d.DeviceModel, d.EngineVersion)
}

// LocalDevice describes the current host. EngineVersion comes from the
// pion/webrtc module baked into the binary.
func LocalDevice() *DeviceInfo {
	info := &DeviceInfo{
		Platform:    runtime.GOOS,
		DeviceModel: runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range bi.Deps {
			if dep.Path == "github.com/pion/webrtc/v3" {
				info.EngineVersion = strings.TrimPrefix(dep.Version, "v")
				break
			}
		}
	}
	return info
}

// Overrides adjusts call parameters for devices with known media issues.
// All fields are restrictive, so merging rules can only tighten a call.
type Overrides struct {
	DisabledVideoCodecs []string `json:"disabled_video_codecs,omitempty"`
	DisabledAudioCodecs []string `json:"disabled_audio_codecs,omitempty"`

	DisableAudioProcessing bool `json:"disable_audio_processing,omitempty"`
	DisableLevelControl    bool `json:"disable_level_control,omitempty"`

	CapVideoWidth  int `json:"cap_video_width,omitempty"`
	CapVideoHeight int `json:"cap_video_height,omitempty"`
	CapVideoFps    int `json:"cap_video_fps,omitempty"`
}

// Apply rewrites params in place. A disabled codec falls back to the
// defaults, so the universal software codecs cannot be disabled.
func (o *Overrides) Apply(p *rtc.Params) {
	if o == nil {
		return
	}
	if funk.ContainsString(o.DisabledVideoCodecs, p.VideoCodec) {
		p.VideoCodec = ""
	}
	if funk.ContainsString(o.DisabledAudioCodecs, p.AudioCodec) {
		p.AudioCodec = ""
	}
	if o.DisableAudioProcessing {
		p.NoAudioProcessing = true
	}
	if o.DisableLevelControl {
		p.EnableLevelControl = false
	}
	if o.CapVideoWidth > 0 && (p.VideoWidth == 0 || p.VideoWidth > o.CapVideoWidth) {
		p.VideoWidth = o.CapVideoWidth
	}
	if o.CapVideoHeight > 0 && (p.VideoHeight == 0 || p.VideoHeight > o.CapVideoHeight) {
		p.VideoHeight = o.CapVideoHeight
	}
	if o.CapVideoFps > 0 && (p.VideoFps == 0 || p.VideoFps > o.CapVideoFps) {
		p.VideoFps = o.CapVideoFps
	}
}

func (o *Overrides) clone() *Overrides {
	clone := *o
	clone.DisabledVideoCodecs = append([]string(nil), o.DisabledVideoCodecs...)
	clone.DisabledAudioCodecs = append([]string(nil), o.DisabledAudioCodecs...)
	return &clone
}

// mergeInto folds src into dst. Restrictions accumulate: boolean toggles
// OR together, codec lists union, the tightest capture cap wins.
func mergeInto(dst, src *Overrides) {
	dst.DisabledVideoCodecs = funk.UniqString(append(dst.DisabledVideoCodecs, src.DisabledVideoCodecs...))
	dst.DisabledAudioCodecs = funk.UniqString(append(dst.DisabledAudioCodecs, src.DisabledAudioCodecs...))
	if src.DisableAudioProcessing {
		dst.DisableAudioProcessing = true
	}
	if src.DisableLevelControl {
		dst.DisableLevelControl = true
	}
	if src.CapVideoWidth > 0 && (dst.CapVideoWidth == 0 || src.CapVideoWidth < dst.CapVideoWidth) {
		dst.CapVideoWidth = src.CapVideoWidth
	}
	if src.CapVideoHeight > 0 && (dst.CapVideoHeight == 0 || src.CapVideoHeight < dst.CapVideoHeight) {
		dst.CapVideoHeight = src.CapVideoHeight
	}
	if src.CapVideoFps > 0 && (dst.CapVideoFps == 0 || src.CapVideoFps < dst.CapVideoFps) {
		dst.CapVideoFps = src.CapVideoFps
	}
}

type Rule struct {
	Matcher
	Overrides *Overrides
	Merge     bool
}

type Resolver struct {
	rules []Rule
}

func NewResolver(rules []Rule) *Resolver {
	return &Resolver{rules: rules}
}

// Resolve walks the rules in order. A non-merge rule returns its overrides
// outright, merge rules accumulate.
func (r *Resolver) Resolve(info *DeviceInfo) *Overrides {
	var matched []*Overrides
	for _, rule := range r.rules {
		ok, err := rule.Match(info)
		if err != nil {
			logger.Errorw("profile rule failed", err, "device", info.String())
			continue
		}
		if !ok {
			continue
		}
		if !rule.Merge {
			return rule.Overrides
		}
		matched = append(matched, rule.Overrides)
	}

	var overrides *Overrides
	for i, o := range matched {
		if i == 0 {
			overrides = o.clone()
		} else {
			mergeInto(overrides, o)
		}
	}
	return overrides
}

// Manager layers user-configured rules over the built-in set. Configured
// rules take effect first, built-ins still apply unless disabled.
type Manager struct {
	mu      sync.RWMutex
	builtin *Resolver
	dynamic []Rule
}

func NewManager(conf *config.Config) (*Manager, error) {
	m := &Manager{
		builtin: NewResolver(BuiltinRules),
	}
	if conf.DisableBuiltinProfiles {
		m.builtin = NewResolver(nil)
	}
	if err := m.Update(conf.Profiles); err != nil {
		return nil, err
	}
	return m, nil
}

// Update replaces the configured rule set. Rules that fail to parse are
// logged and skipped so one bad rule does not take down the rest.
func (m *Manager) Update(rules []config.ProfileRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var parsed []Rule
	for _, item := range rules {
		match, err := NewScriptMatch(item.Match)
		if err != nil {
			logger.Errorw("failed to parse profile match rule", err, "match", item.Match)
			continue
		}

		var overrides Overrides
		if err := json.Unmarshal([]byte(item.Overrides), &overrides); err != nil {
			logger.Errorw("failed to parse profile overrides", err, "overrides", item.Overrides)
			continue
		}

		parsed = append(parsed, Rule{
			Matcher:   match,
			Overrides: &overrides,
			Merge:     item.Merge,
		})
	}

	m.dynamic = parsed
	return nil
}

func (m *Manager) Resolve(info *DeviceInfo) *Overrides {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dynamic := NewResolver(m.dynamic).Resolve(info)
	builtin := m.builtin.Resolve(info)

	switch {
	case dynamic != nil && builtin != nil:
		merged := builtin.clone()
		mergeInto(merged, dynamic)
		return merged
	case dynamic != nil:
		return dynamic
	default:
		return builtin
	}
}
