package emitter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLabels(t *testing.T) {
	tests := []struct {
		name    string
		raw     json.RawMessage
		want    map[string]string
		wantErr bool
	}{
		{
			name: "absent",
			raw:  nil,
			want: map[string]string{},
		},
		{
			name: "flat object",
			raw:  json.RawMessage(`{"dbname":"postgres","relname":"users"}`),
			want: map[string]string{"dbname": "postgres", "relname": "users"},
		},
		{
			name: "empty string value",
			raw:  json.RawMessage(`{"schemaname":""}`),
			want: map[string]string{"schemaname": ""},
		},
		{
			name:    "present but null",
			raw:     json.RawMessage(`null`),
			wantErr: true,
		},
		{
			name:    "empty object",
			raw:     json.RawMessage(`{}`),
			wantErr: true,
		},
		{
			name:    "array",
			raw:     json.RawMessage(`["a","b"]`),
			wantErr: true,
		},
		{
			name:    "nested object",
			raw:     json.RawMessage(`{"a":{"b":"c"}}`),
			wantErr: true,
		},
		{
			name:    "number value",
			raw:     json.RawMessage(`{"a":1}`),
			wantErr: true,
		},
		{
			name:    "boolean value",
			raw:     json.RawMessage(`{"a":true}`),
			wantErr: true,
		},
		{
			name:    "null value",
			raw:     json.RawMessage(`{"a":null}`),
			wantErr: true,
		},
		{
			name:    "malformed",
			raw:     json.RawMessage(`{"a":`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLabels(tt.raw)

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidLabels)
				assert.ErrorIs(t, err, ErrValidation)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
