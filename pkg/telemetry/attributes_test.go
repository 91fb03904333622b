// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestParseCustomAttributes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty input", input: "", want: map[string]string{}},
		{
			name:  "multiple attributes with spaces",
			input: " deployment = production , region=eu-west-1 ",
			want:  map[string]string{"deployment": "production", "region": "eu-west-1"},
		},
		{name: "trailing comma", input: "team=identity,", want: map[string]string{"team": "identity"}},
		{
			name:  "equals in value",
			input: "authorization=Bearer abc==",
			want:  map[string]string{"authorization": "Bearer abc=="},
		},
		{name: "empty value is allowed", input: "canary=", want: map[string]string{"canary": ""}},
		{name: "missing equals", input: "deployment", wantErr: true},
		{name: "empty key", input: " =production", wantErr: true},
		{name: "one invalid pair fails all", input: "a=b,invalid,c=d", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseCustomAttributes(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConvertMapToAttributes(t *testing.T) {
	t.Parallel()

	got := ConvertMapToAttributes(map[string]string{"deployment": "production", "region": "eu-west-1"})
	assert.ElementsMatch(t, []attribute.KeyValue{
		attribute.String("deployment", "production"),
		attribute.String("region", "eu-west-1"),
	}, got)
	assert.Empty(t, ConvertMapToAttributes(nil))
}
