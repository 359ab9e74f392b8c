// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_Modes(t *testing.T) {
	for _, mode := range []string{"dev", "prod", "", "PRODUCTION"} {
		l, err := New(mode, Options{File: filepath.Join(t.TempDir(), "x.log")})
		require.NoError(t, err, mode)
		require.NotNil(t, l)
	}

	off, err := New("off", Options{})
	require.NoError(t, err)
	require.False(t, off.Core().Enabled(zapcore.ErrorLevel))

	_, err = New("verbose", Options{})
	require.Error(t, err)
}

func TestNew_LevelAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "rigchat.log")
	l, err := New("prod", Options{Level: "warn", File: path})
	require.NoError(t, err)

	require.False(t, l.Core().Enabled(zapcore.InfoLevel))
	l.Warn("store write failed")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "store write failed")

	_, err = New("dev", Options{Level: "loud"})
	require.Error(t, err)
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, OrNop(nil))
}
