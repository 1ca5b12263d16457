// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package nats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseConfigNilReturnsZeroValue(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	require.Equal(t, Config{}, cfg)
}

func TestParseConfigDecodesAllFields(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{
		"address": "nats://localhost:4222",
		"username": "aika",
		"password": "secret",
		"creds-file-path": "/etc/aika/nats.creds"
	}`))
	require.NoError(t, err)
	require.Equal(t, Config{
		Address:       "nats://localhost:4222",
		Username:      "aika",
		Password:      "secret",
		CredsFilePath: "/etc/aika/nats.creds",
	}, cfg)
}

func TestParseConfigRejectsUnknownFields(t *testing.T) {
	_, err := ParseConfig([]byte(`{"address": "nats://localhost:4222", "bogus": true}`))
	require.Error(t, err)
}

func TestNewClientRequiresAddress(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}
