// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	servercrypto "github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/config"
)

const (
	outputJSON = "json"
	outputYAML = "yaml"
)

// loadConfig reads the configuration file named by --config, if any, and
// the TENANTAUTH_* environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.New(), viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// backend bundles what the administrative commands need.
type backend struct {
	cfg     *config.Config
	storage storage.Storage
	sealer  *servercrypto.Sealer
}

// openBackend loads the configuration and opens the configured storage.
// Callers must Close the returned backend.
func openBackend(ctx context.Context) (*backend, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	masterKey, err := cfg.MasterKey()
	if err != nil {
		return nil, err
	}
	sealer, err := servercrypto.NewSealer(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create sealer: %w", err)
	}
	stor, err := storage.New(ctx, cfg.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return &backend{
		cfg:     cfg,
		storage: storage.WithOperationTimeout(stor, cfg.Storage.OperationTimeout),
		sealer:  sealer,
	}, nil
}

func (b *backend) Close() error {
	return b.storage.Close()
}

// writeOutput encodes v to w in the requested format.
func writeOutput(w io.Writer, format string, v any) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q, use %q or %q", format, outputJSON, outputYAML)
	}
}

// jsonToAny round-trips v through JSON so types with only a JSON encoding
// can be rendered as YAML.
func jsonToAny(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
