package validation

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/searchktools/exot/core/http"
)

func kindClass(k reflect.Kind) string {
	switch k {
	case reflect.String:
		return "string"
	case reflect.Slice, reflect.Array, reflect.Map:
		return "array"
	case reflect.Invalid:
		return "missing"
	default:
		return "number"
	}
}

var keywords = map[string]map[string]string{
	"min": {"string": "minLength", "array": "minItems", "number": "minimum"},
	"gte": {"string": "minLength", "array": "minItems", "number": "minimum"},
	"max": {"string": "maxLength", "array": "maxItems", "number": "maximum"},
	"lte": {"string": "maxLength", "array": "maxItems", "number": "maximum"},
	"gt":  {"string": "minLength", "array": "minItems", "number": "exclusiveMinimum"},
	"lt":  {"string": "maxLength", "array": "maxItems", "number": "exclusiveMaximum"},
	"len": {"string": "length", "array": "length", "number": "const"},
}

func limit(param string) any {
	if n, err := strconv.ParseInt(param, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(param, 64); err == nil {
		return f
	}
	return param
}

// detail renders a validator failure with JSON-schema style keywords so
// clients see "minLength" rather than "min".
func detail(path string, fe validator.FieldError) http.ValidationDetail {
	tag, param := fe.Tag(), fe.Param()
	class := kindClass(fe.Kind())
	d := http.ValidationDetail{InstancePath: path, Keyword: tag}

	if byKind, ok := keywords[tag]; ok && class != "missing" {
		d.Keyword = byKind[class]
		d.Params = map[string]any{"limit": limit(param)}
	}

	switch d.Keyword {
	case "required":
		d.Params = map[string]any{"missingProperty": fe.Field()}
		d.Message = "must have required property"
	case "minLength":
		d.Message = fmt.Sprintf("must NOT have fewer than %s characters", param)
	case "maxLength":
		d.Message = fmt.Sprintf("must NOT have more than %s characters", param)
	case "minItems":
		d.Message = fmt.Sprintf("must NOT have fewer than %s items", param)
	case "maxItems":
		d.Message = fmt.Sprintf("must NOT have more than %s items", param)
	case "minimum":
		d.Message = "must be >= " + param
	case "maximum":
		d.Message = "must be <= " + param
	case "exclusiveMinimum":
		d.Message = "must be > " + param
	case "exclusiveMaximum":
		d.Message = "must be < " + param
	case "oneof":
		d.Keyword = "enum"
		d.Params = map[string]any{"allowedValues": param}
		d.Message = "must be equal to one of the allowed values"
	case "email", "url", "uri", "uuid", "ipv4", "ipv6", "ip", "datetime", "hostname":
		d.Keyword = "format"
		d.Params = map[string]any{"format": tag}
		d.Message = fmt.Sprintf("must match format %q", tag)
	default:
		if param != "" {
			d.Params = map[string]any{"param": param}
			d.Message = fmt.Sprintf("failed on the %q rule (%s)", tag, param)
		} else {
			d.Message = fmt.Sprintf("failed on the %q rule", tag)
		}
	}
	return d
}
