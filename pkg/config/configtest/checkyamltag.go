package configtest

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"go.uber.org/multierr"
)

// CheckYAMLTags requires every serialized field to carry omitempty, so a
// marshalled config only contains keys the user actually set. The
// defaults roundtrip in NewConfig depends on this.
func CheckYAMLTags(config any) error {
	return checkType(reflect.TypeOf(config), map[reflect.Type]struct{}{})
}

func checkType(t reflect.Type, seen map[reflect.Type]struct{}) error {
	if _, ok := seen[t]; ok {
		return nil
	}
	seen[t] = struct{}{}

	switch t.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.Pointer:
		return checkType(t.Elem(), seen)
	case reflect.Struct:
	default:
		return nil
	}

	var errs error
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		parts := strings.Split(field.Tag.Get("yaml"), ",")
		if parts[0] == "-" {
			// not serialized
			continue
		}
		if !slices.Contains(parts, "omitempty") && !slices.Contains(parts, "inline") {
			errs = multierr.Append(errs,
				fmt.Errorf("%s.%s is serialized without omitempty", t.Name(), field.Name))
		}

		errs = multierr.Append(errs, checkType(field.Type, seen))
	}
	return errs
}
