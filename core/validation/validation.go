// Package validation compiles schema descriptors into validators backed by
// go-playground/validator.
//
// A schema is one of:
//   - Rules: field name to validator tag ("required,min=4"), nested Rules
//     for objects;
//   - a struct value or pointer used as a prototype: input maps are decoded
//     into a fresh value with weak typing ("42" becomes 42) and then checked
//     against its `validate` tags;
//   - a Validator, a func(any) (any, error) or anything with a Validate
//     method of that shape.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/searchktools/exot/core/http"
)

// Rules maps field names to validator tags or nested Rules.
type Rules map[string]any

// Validator is implemented by custom schema types.
type Validator interface {
	Validate(data any) (any, error)
}

var ErrUnsupportedSchema = errors.New("validation: unsupported schema")

var (
	mu       sync.RWMutex
	validate = newValidate()
)

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, key := range []string{"json", "mapstructure"} {
			name, _, _ := strings.Cut(f.Tag.Get(key), ",")
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return f.Name
	})
	return v
}

// SetValidate replaces the shared validator instance, e.g. to register
// custom tags. Schemas compiled earlier keep the previous instance.
func SetValidate(v *validator.Validate) {
	mu.Lock()
	defer mu.Unlock()
	validate = v
}

func current() *validator.Validate {
	mu.RLock()
	defer mu.RUnlock()
	return validate
}

// Compile turns a schema into a validator. Failures are reported as
// *http.ValidationError.
func Compile(schema any) (http.Validator, error) {
	switch s := schema.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrUnsupportedSchema)
	case http.Validator:
		return s, nil
	case func(any) (any, error):
		return s, nil
	case Validator:
		return s.Validate, nil
	case Rules:
		return compileRules(current(), s), nil
	case map[string]any:
		return compileRules(current(), Rules(s)), nil
	case map[string]string:
		rules := make(Rules, len(s))
		for k, v := range s {
			rules[k] = v
		}
		return compileRules(current(), rules), nil
	}

	t := reflect.TypeOf(schema)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedSchema, schema)
	}
	return compileStruct(current(), t), nil
}

// MustCompile is Compile that panics on an unsupported schema.
func MustCompile(schema any) http.Validator {
	v, err := Compile(schema)
	if err != nil {
		panic(err)
	}
	return v
}

// Run applies v to data and tags any failure with location.
func Run(v http.Validator, data any, location string) (any, error) {
	out, err := v(data)
	if err == nil {
		return out, nil
	}
	var ve *http.ValidationError
	if !errors.As(err, &ve) {
		ve = http.NewValidationError("", []http.ValidationDetail{{
			InstancePath: "",
			Keyword:      "custom",
			Message:      err.Error(),
		}}, location)
	}
	if ve.Location == "" {
		ve.Location = location
	}
	return nil, ve
}

func plainRules(r Rules) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		switch nested := v.(type) {
		case Rules:
			out[k] = plainRules(nested)
		case map[string]any:
			out[k] = plainRules(Rules(nested))
		default:
			out[k] = v
		}
	}
	return out
}

func compileRules(v *validator.Validate, r Rules) http.Validator {
	rules := plainRules(r)
	return func(data any) (any, error) {
		m, err := toMap(data)
		if err != nil {
			return nil, http.NewValidationError("", []http.ValidationDetail{{
				Keyword: "type",
				Message: "must be object",
			}}, "")
		}
		if errs := v.ValidateMap(m, rules); len(errs) > 0 {
			return nil, http.NewValidationError("", mapDetails("", errs), "")
		}
		return m, nil
	}
}

func toMap(data any) (map[string]any, error) {
	switch d := data.(type) {
	case map[string]any:
		return d, nil
	case map[string]string:
		m := make(map[string]any, len(d))
		for k, v := range d {
			m[k] = v
		}
		return m, nil
	case nil:
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := mapstructure.Decode(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func mapDetails(prefix string, errs map[string]any) []http.ValidationDetail {
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var details []http.ValidationDetail
	for _, field := range keys {
		path := prefix + "/" + field
		switch e := errs[field].(type) {
		case map[string]any:
			details = append(details, mapDetails(path, e)...)
		case validator.ValidationErrors:
			for _, fe := range e {
				details = append(details, detail(path, fe))
			}
		case error:
			details = append(details, http.ValidationDetail{InstancePath: path, Keyword: "type", Message: e.Error()})
		}
	}
	return details
}

func compileStruct(v *validator.Validate, t reflect.Type) http.Validator {
	return func(data any) (any, error) {
		var target any
		if data != nil {
			dt := reflect.TypeOf(data)
			if dt == t || dt.Kind() == reflect.Pointer && dt.Elem() == t {
				target = data
			}
		}
		if target == nil {
			out := reflect.New(t)
			dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
				WeaklyTypedInput: true,
				TagName:          "json",
				Result:           out.Interface(),
			})
			if err != nil {
				return nil, err
			}
			if err := dec.Decode(data); err != nil {
				return nil, http.NewValidationError("", decodeDetails(err), "")
			}
			target = out.Elem().Interface()
		}

		if err := v.Struct(target); err != nil {
			var ves validator.ValidationErrors
			if !errors.As(err, &ves) {
				return nil, err
			}
			details := make([]http.ValidationDetail, 0, len(ves))
			for _, fe := range ves {
				details = append(details, detail(namespacePath(fe.Namespace()), fe))
			}
			return nil, http.NewValidationError("", details, "")
		}
		return target, nil
	}
}

// namespacePath turns "Params.user.name" into "/user/name".
func namespacePath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return "/" + strings.ReplaceAll(rest, ".", "/")
	}
	return "/" + ns
}

func decodeDetails(err error) []http.ValidationDetail {
	var me *mapstructure.Error
	if !errors.As(err, &me) {
		return []http.ValidationDetail{{Keyword: "type", Message: err.Error()}}
	}
	details := make([]http.ValidationDetail, 0, len(me.Errors))
	for _, msg := range me.Errors {
		// mapstructure quotes the field name: "cannot parse 'page' as int"
		path := ""
		if _, rest, ok := strings.Cut(msg, "'"); ok {
			if name, _, ok := strings.Cut(rest, "'"); ok && name != "" {
				path = "/" + strings.ReplaceAll(name, ".", "/")
			}
		}
		details = append(details, http.ValidationDetail{InstancePath: path, Keyword: "type", Message: msg})
	}
	return details
}
