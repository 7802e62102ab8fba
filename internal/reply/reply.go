// Package reply interprets decoded engine responses.
package reply

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"unicode/utf16"
)

const (
	statusOK    = 0
	statusError = -1
)

// Error is a failed engine turn. Backend is set when the message came from the
// engine itself and is meant for the user.
type Error struct {
	Message string
	Backend bool
}

func (e *Error) Error() string { return e.Message }

type Output struct {
	Text string
	// Card is the adaptive card JSON from the msbotframework parameter.
	Card string
	// SegmentIndexes is the raw outputTextSegmentIndexes parameter.
	SegmentIndexes string
}

// Parse validates doc and extracts the answer. Documents decoded with or
// without json.Decoder.UseNumber are both accepted.
func Parse(doc map[string]any) (*Output, error) {
	raw, err := required(doc, "status", "number")
	if err != nil {
		return nil, err
	}
	status, ok := integer(raw)
	if !ok {
		return nil, &Error{Message: fmt.Sprintf("engine response has an unexpected value of the [status] property: %v", raw)}
	}

	switch status {
	case statusOK:
		return parseOutput(doc)
	case statusError:
		msg, err := required(doc, "message", "string")
		if err != nil {
			return nil, err
		}
		return nil, &Error{Message: msg.(string), Backend: true}
	default:
		return nil, &Error{Message: fmt.Sprintf("engine response has an unexpected value of the [status] property: %d", status)}
	}
}

func parseOutput(doc map[string]any) (*Output, error) {
	raw, err := required(doc, "output", "object")
	if err != nil {
		return nil, err
	}
	output := raw.(map[string]any)

	text, err := required(output, "text", "string")
	if err != nil {
		return nil, err
	}
	out := &Output{Text: text.(string)}

	params, err := optional(output, "parameters", "object")
	if err != nil || params == nil {
		return out, err
	}
	parameters := params.(map[string]any)

	card, err := optional(parameters, "msbotframework", "string")
	if err != nil {
		return nil, err
	}
	if card != nil {
		out.Card = card.(string)
	}
	segments, err := optional(parameters, "outputTextSegmentIndexes", "string")
	if err != nil {
		return nil, err
	}
	if segments != nil {
		out.SegmentIndexes = segments.(string)
	}
	return out, nil
}

func required(parent map[string]any, field, want string) (any, error) {
	v, ok := parent[field]
	if !ok {
		return nil, &Error{Message: fmt.Sprintf("engine response has no [%s] property", field)}
	}
	if got := jsonType(v); got != want {
		return nil, typeError(field, got, want)
	}
	return v, nil
}

func optional(parent map[string]any, field, want string) (any, error) {
	v, ok := parent[field]
	if !ok {
		return nil, nil
	}
	if got := jsonType(v); got != want {
		return nil, typeError(field, got, want)
	}
	return v, nil
}

func typeError(field, got, want string) error {
	return &Error{Message: fmt.Sprintf("engine response has [%s] of type %s, should be %s", field, got, want)}
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64, float32, int, int64:
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func integer(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatInteger(f)
	case float64:
		return floatInteger(n)
	case float32:
		return floatInteger(float64(n))
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func floatInteger(f float64) (int64, bool) {
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

// ErrBadSegments is returned by Bubbles when the segment indexes cannot be
// applied to the text.
var ErrBadSegments = errors.New("reply: malformed outputTextSegmentIndexes")

// Bubbles splits the text into the chat bubbles the engine asked for. Offsets
// are UTF-16 code units.
func (o *Output) Bubbles() ([]string, error) {
	if o.SegmentIndexes == "" {
		return []string{o.Text}, nil
	}
	var pairs [][]json.Number
	if err := json.Unmarshal([]byte(o.SegmentIndexes), &pairs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSegments, err)
	}

	units := utf16.Encode([]rune(o.Text))
	bubbles := make([]string, 0, len(pairs))
	for i, pair := range pairs {
		if len(pair) < 2 {
			return nil, fmt.Errorf("%w: segment %d has %d indexes", ErrBadSegments, i, len(pair))
		}
		start, err1 := strconv.Atoi(pair[0].String())
		end, err2 := strconv.Atoi(pair[1].String())
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%w: segment %d is not a pair of integers", ErrBadSegments, i)
		}
		if start < 0 || end < start || end > len(units) {
			return nil, fmt.Errorf("%w: segment %d [%d,%d] out of range for %d units", ErrBadSegments, i, start, end, len(units))
		}
		bubbles = append(bubbles, string(utf16.Decode(units[start:end])))
	}
	return bubbles, nil
}
