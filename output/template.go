package output

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"
)

// Render substitutes {key} and {key:spec} fields of tmpl from params. Time
// values format their spec with strftime, other values with the printf verb
// "%"+spec. {{ and }} produce literal braces.
func Render(tmpl string, params map[string]interface{}) (string, error) {
	var sb strings.Builder
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				sb.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				return "", Errorf(KindInvalidOutputPath, "unterminated field in template %q", tmpl)
			}
			field := tmpl[i+1 : i+end]
			s, err := renderField(field, params)
			if err != nil {
				return "", Errorf(KindInvalidOutputPath, "template %q: %v", tmpl, err)
			}
			sb.WriteString(s)
			i += end
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				sb.WriteByte('}')
				i++
				continue
			}
			return "", Errorf(KindInvalidOutputPath, "single '}' in template %q", tmpl)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), nil
}

func renderField(field string, params map[string]interface{}) (string, error) {
	key, spec := field, ""
	if i := strings.IndexByte(field, ':'); i >= 0 {
		key, spec = field[:i], field[i+1:]
	}
	if key == "" {
		return "", fmt.Errorf("empty field name")
	}
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("unknown field %q", key)
	}
	return formatValue(v, spec)
}

func formatValue(v interface{}, spec string) (string, error) {
	switch x := v.(type) {
	case time.Time:
		if spec == "" {
			return x.Format("2006-01-02 15:04:05"), nil
		}
		return strftime.Format(spec, x)
	case *time.Time:
		return formatValue(*x, spec)
	}

	if spec == "" {
		switch x := v.(type) {
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case float32:
			return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
		case nil:
			return "", nil
		}
		return fmt.Sprint(v), nil
	}

	// integer verbs accept whole floats, as produced by yaml and json decoding
	if strings.HasSuffix(spec, "d") {
		if f, ok := v.(float64); ok && f == math.Trunc(f) {
			v = int64(f)
		}
	}
	return fmt.Sprintf("%"+spec, v), nil
}

// renderParams merges template parameters in increasing precedence.
func renderParams(p *OutputProduct, extra map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{"name": p.Name}
	for _, m := range []map[string]interface{}{p.OutputParams, p.Extras, extra} {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// FormatAttribute renders an attribute value for formats that only store
// text. Lists are joined with commas and times use RFC 3339.
func FormatAttribute(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339)
	case []string:
		return strings.Join(x, ",")
	case []interface{}:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = FormatAttribute(e)
		}
		return strings.Join(parts, ",")
	}
	s, _ := formatValue(v, "")
	return s
}

// Keys returns the field keys of tmpl in order, without format specs.
// Escaped braces are skipped; a malformed template yields the keys before
// the error.
func Keys(tmpl string) []string {
	var keys []string
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '{' {
			continue
		}
		if i+1 < len(tmpl) && tmpl[i+1] == '{' {
			i++
			continue
		}
		end := strings.IndexByte(tmpl[i:], '}')
		if end < 0 {
			break
		}
		key, _, _ := strings.Cut(tmpl[i+1:i+end], ":")
		keys = append(keys, key)
		i += end
	}
	return keys
}
