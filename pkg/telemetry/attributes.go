// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// ParseCustomAttributes parses a comma-separated list of key=value pairs,
// e.g. "deployment=production,region=us-east-1". The same syntax is used for
// resource attributes and OTLP export headers. Empty pairs are skipped and
// values may contain '='.
func ParseCustomAttributes(input string) (map[string]string, error) {
	out := map[string]string{}
	for pair := range strings.SplitSeq(input, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid attribute %q: expected key=value", pair)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("invalid attribute %q: empty key", pair)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

// ConvertMapToAttributes converts a map to OpenTelemetry string attributes.
func ConvertMapToAttributes(attrs map[string]string) []attribute.KeyValue {
	result := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		result = append(result, attribute.String(k, v))
	}
	return result
}
