package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strings"
)

const maxDebugPayload = 1024

// encodeParams renders params as a form body. Composite values are sent as
// compact JSON text in a single field.
func encodeParams(params map[string]any) (string, error) {
	values := url.Values{}
	for name, v := range params {
		if isNil(v) {
			continue
		}
		if name == "" {
			return "", fmt.Errorf("%w: empty parameter name", ErrInvalidParam)
		}
		s, err := formatValue(v)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrInvalidParam, name, err)
		}
		values.Set(name, s)
	}
	return values.Encode(), nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func formatValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.RawMessage:
		return string(x), nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return compactJSON(v)
	}
	return fmt.Sprint(rv.Interface()), nil
}

func compactJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// debugPayload is a readable, truncated rendering of params for verbose logs.
func debugPayload(params map[string]any) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		v := params[name]
		if isNil(v) {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" & ")
		}
		s, err := formatValue(v)
		if err != nil {
			s = "<unencodable>"
		}
		b.WriteString(name + "=" + s)
		if b.Len() > maxDebugPayload {
			break
		}
	}
	return abbreviate(b.String(), maxDebugPayload)
}

func abbreviate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
