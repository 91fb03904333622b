// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides the observability plumbing of the server:
// Prometheus collectors for the identity core and the edge layer, the OTLP
// trace exporter, and an HTTP middleware that traces and measures requests.
package telemetry
