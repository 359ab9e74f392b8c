// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package grounding

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-chat/internal/model"
)

func TestRegistry_StatusAndMetadata(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("m1")
	require.False(t, ok)

	r.SetStatus("m1", model.GroundingSearching)
	r.SetMetadata("m1", &model.GroundingMetadata{Queries: []string{"weather"}})
	r.SetStatus("m1", model.GroundingSuccess)

	e, ok := r.Get("m1")
	require.True(t, ok)
	require.Equal(t, model.GroundingSuccess, e.Status)
	require.Equal(t, []string{"weather"}, e.Metadata.Queries)
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	r.SetMetadata("m1", &model.GroundingMetadata{Queries: []string{"a"}})

	e, _ := r.Get("m1")
	e.Metadata.Queries[0] = "mutated"

	again, _ := r.Get("m1")
	require.Equal(t, "a", again.Metadata.Queries[0])
}

func TestRegistry_Remap(t *testing.T) {
	r := NewRegistry()
	r.Replace("tmp_1", Entry{
		Status:   model.GroundingSuccess,
		Metadata: &model.GroundingMetadata{Sources: []model.GroundingSource{{URL: "https://example.com"}}},
	})

	require.True(t, r.Remap("tmp_1", "msg_7"))
	_, ok := r.Get("tmp_1")
	require.False(t, ok)

	e, ok := r.Get("msg_7")
	require.True(t, ok)
	require.Equal(t, model.GroundingSuccess, e.Status)
	require.Len(t, e.Metadata.Sources, 1)

	require.False(t, r.Remap("tmp_1", "msg_8"), "source is gone")
	require.False(t, r.Remap("msg_7", "msg_7"))
}

func TestRegistry_RemapNeverSplits(t *testing.T) {
	r := NewRegistry()
	r.Replace("tmp_1", Entry{
		Status:   model.GroundingSuccess,
		Metadata: &model.GroundingMetadata{Queries: []string{"q"}},
	})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			a, okA := r.Get("tmp_1")
			b, okB := r.Get("msg_1")
			for _, pair := range []struct {
				e  Entry
				ok bool
			}{{a, okA}, {b, okB}} {
				if pair.ok {
					// Whole entries only: status and metadata travel together.
					if pair.e.Status != model.GroundingSuccess || pair.e.Metadata == nil {
						t.Errorf("split entry observed: %+v", pair.e)
					}
				}
			}
		}
	}()

	for i := 0; i < 500; i++ {
		r.Remap("tmp_1", "msg_1")
		r.Remap("msg_1", "tmp_1")
	}
	close(stop)
	wg.Wait()
	_, ok := r.Get("tmp_1")
	require.True(t, ok)
	_, ok = r.Get("msg_1")
	require.False(t, ok)
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	r.SetStatus("m1", model.GroundingSearching)
	r.Remove("m1")
	_, ok := r.Get("m1")
	require.False(t, ok)
}
