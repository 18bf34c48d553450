package emitter

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ParseLabels decodes a labels argument. A nil raw means the argument was
// not supplied and yields no labels. A supplied argument must be a
// non-empty JSON object whose values are all strings.
func ParseLabels(raw json.RawMessage) (map[string]string, error) {
	if raw == nil {
		return map[string]string{}, nil
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: labels cannot be null", ErrInvalidLabels)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: labels must be a JSON object", ErrInvalidLabels)
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: labels object is empty", ErrInvalidLabels)
	}

	labels := make(map[string]string, len(fields))

	for k, v := range fields {
		var s string
		if err := json.Unmarshal(v, &s); err != nil || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return nil, fmt.Errorf("%w: value of %q must be a string", ErrInvalidLabels, k)
		}

		labels[k] = s
	}

	return labels, nil
}
