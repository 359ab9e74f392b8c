// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-chat/internal/model"
)

func TestMachine_HappyPath(t *testing.T) {
	m := New()
	require.NoError(t, m.Send())
	require.NoError(t, m.Stream())
	require.NoError(t, m.Complete(false))

	require.Equal(t, model.StreamComplete, m.State())
	require.False(t, m.Truncated())
}

func TestMachine_TruncationRoundTrip(t *testing.T) {
	m := New()
	require.NoError(t, m.Send())
	require.NoError(t, m.Stream())
	require.NoError(t, m.Complete(true))
	require.True(t, m.Truncated())

	require.NoError(t, m.Continue())
	require.False(t, m.Truncated(), "continuation clears the flag up front")
	require.Equal(t, model.StreamStreaming, m.State())

	require.NoError(t, m.Complete(true))
	require.True(t, m.Truncated(), "stopping early again re-sets the flag")

	require.NoError(t, m.Continue())
	require.NoError(t, m.Complete(false))
	require.Error(t, m.Continue(), "a clean completion is no longer continuable")
}

func TestMachine_CancelKeepsComplete(t *testing.T) {
	m := New()
	require.NoError(t, m.Send())
	require.NoError(t, m.Stream())
	require.NoError(t, m.Cancel())
	require.Equal(t, model.StreamComplete, m.State())

	require.NoError(t, m.Cancel(), "cancel is idempotent once settled")
	require.Equal(t, model.StreamComplete, m.State())
}

func TestMachine_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *Machine)
		op    func(m *Machine) error
	}{
		{"stream from idle", func(m *Machine) {}, (*Machine).Stream},
		{"complete from sending", func(m *Machine) { _ = m.Send() }, func(m *Machine) error { return m.Complete(false) }},
		{"continue untruncated", func(m *Machine) { _ = m.Send(); _ = m.Stream(); _ = m.Complete(false) }, (*Machine).Continue},
		{"regenerate while streaming", func(m *Machine) { _ = m.Send(); _ = m.Stream() }, (*Machine).Regenerate},
		{"send twice", func(m *Machine) { _ = m.Send() }, (*Machine).Send},
		{"fail after complete", func(m *Machine) { _ = m.Send(); _ = m.Stream(); _ = m.Complete(false) }, (*Machine).Fail},
		{"cancel idle", func(m *Machine) {}, (*Machine).Cancel},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := New()
			tc.setup(m)
			err := tc.op(m)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidTransition))
		})
	}
}

func TestMachine_RegenerateFromSettled(t *testing.T) {
	for _, state := range []model.StreamState{model.StreamComplete, model.StreamError, model.StreamIdle} {
		m := Resume(state, true)
		require.NoError(t, m.Regenerate(), "state %s", state)
		require.Equal(t, model.StreamStreaming, m.State())
		require.False(t, m.Truncated())
	}
}

func TestResume_TruncatedOnlyWhenComplete(t *testing.T) {
	require.False(t, Resume(model.StreamError, true).Truncated())
	require.True(t, Resume(model.StreamComplete, true).Truncated())
}
