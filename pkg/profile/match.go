package profile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/token"
	"golang.org/x/mod/semver"
)

type Matcher interface {
	Match(info *DeviceInfo) (bool, error)
}

type ScriptMatch struct {
	compiled *tengo.Compiled
}

func NewScriptMatch(expr string) (*ScriptMatch, error) {
	script := tengo.NewScript(fmt.Appendf(nil, "__res__ := (%s)", expr))
	if err := script.Add("c", &deviceObject{}); err != nil {
		return nil, err
	}
	compiled, err := script.Compile()
	if err != nil {
		return nil, err
	}
	return &ScriptMatch{compiled}, nil
}

// Match evaluates the rule expression against a device.
// expression examples:
// a specific model: c.device_model == "nexus 9"
// an os version floor: c.platform_version >= "10"
// combined rule: c.platform == "android" && c.platform_version < "6.0"
func (m *ScriptMatch) Match(info *DeviceInfo) (bool, error) {
	clone := m.compiled.Clone()
	if err := clone.Set("c", &deviceObject{info: info}); err != nil {
		return false, err
	}
	if err := clone.Run(); err != nil {
		return false, err
	}

	res := clone.Get("__res__").Value()
	if val, ok := res.(bool); ok {
		return val, nil
	}
	return false, errors.New("invalid match expression result")
}

// ------------------------------------------------

type deviceObject struct {
	tengo.ObjectImpl
	info *DeviceInfo
}

func (d *deviceObject) TypeName() string {
	return "device"
}

func (d *deviceObject) String() string {
	return d.info.String()
}

func (d *deviceObject) IndexGet(index tengo.Object) (res tengo.Object, err error) {
	field, ok := index.(*tengo.String)
	if !ok {
		return nil, tengo.ErrInvalidIndexType
	}

	switch field.Value {
	case "platform":
		return &tengo.String{Value: strings.ToLower(d.info.Platform)}, nil
	case "platform_version":
		return &scriptVersion{version: d.info.PlatformVersion}, nil
	case "device_model":
		return &tengo.String{Value: strings.ToLower(d.info.DeviceModel)}, nil
	case "engine_version":
		return &scriptVersion{version: d.info.EngineVersion}, nil
	}
	return &tengo.Undefined{}, nil
}

// ------------------------------------------

// scriptVersion compares as semver when both sides parse, falling back to
// plain string order otherwise.
type scriptVersion struct {
	tengo.ObjectImpl
	version string
}

func (v *scriptVersion) TypeName() string {
	return "version"
}

func (v *scriptVersion) String() string {
	return v.version
}

func (v *scriptVersion) BinaryOp(op token.Token, rhs tengo.Object) (tengo.Object, error) {
	if rhs, ok := rhs.(*tengo.String); ok {
		cmp := v.compare(rhs.Value)

		isMatch := false
		switch op {
		case token.Greater:
			isMatch = cmp > 0
		case token.GreaterEq:
			isMatch = cmp >= 0
		case token.Less:
			isMatch = cmp < 0
		case token.LessEq:
			isMatch = cmp <= 0
		default:
			return nil, tengo.ErrInvalidOperator
		}

		if isMatch {
			return tengo.TrueValue, nil
		}
		return tengo.FalseValue, nil
	}

	return nil, tengo.ErrInvalidOperator
}

func (v *scriptVersion) Equals(rhs tengo.Object) bool {
	if rhs, ok := rhs.(*tengo.String); ok {
		return v.compare(rhs.Value) == 0
	}

	return false
}

func (v *scriptVersion) compare(rhs string) int {
	if !semver.IsValid("v"+v.version) || !semver.IsValid("v"+rhs) {
		// if not valid semver, do string compare
		switch {
		case v.version < rhs:
			return -1
		case v.version > rhs:
			return 1
		}
	} else {
		return semver.Compare("v"+v.version, "v"+rhs)
	}
	return 0
}
