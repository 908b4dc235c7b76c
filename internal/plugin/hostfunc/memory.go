// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package hostfunc

import (
	"context"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// MemoryKV is an in-process KVStore shared by every plugin of a host. Values
// survive between dispatches and are lost when the process exits.
type MemoryKV struct {
	data cmap.ConcurrentMap[string, string]
}

// NewMemoryKV creates an empty store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: cmap.New[string]()}
}

func nsKey(namespace, key string) string {
	return namespace + "\x00" + key
}

// Get implements KVStore.
func (m *MemoryKV) Get(_ context.Context, namespace, key string) (string, bool) {
	return m.data.Get(nsKey(namespace, key))
}

// Set implements KVStore.
func (m *MemoryKV) Set(_ context.Context, namespace, key, value string) {
	m.data.Set(nsKey(namespace, key), value)
}

// Delete implements KVStore.
func (m *MemoryKV) Delete(_ context.Context, namespace, key string) {
	m.data.Remove(nsKey(namespace, key))
}

// Len returns the number of stored keys across all namespaces.
func (m *MemoryKV) Len() int {
	return m.data.Count()
}

// Compile-time interface check.
var _ KVStore = (*MemoryKV)(nil)
