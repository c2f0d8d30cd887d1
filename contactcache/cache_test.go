// SPDX-License-Identifier: LGPL-3.0-or-later

package contactcache

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetPersistReload(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(dir, "acme")
	require.NoError(t, err)

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, c.Put(Entry{Username: "bob", PublicKey: pub, Source: "relay"}))

	reloaded, err := Load(dir, "acme")
	require.NoError(t, err)
	entry, ok := reloaded.Get("bob")
	require.True(t, ok)
	assert.Equal(t, "bob", entry.Username)
	assert.Equal(t, "relay", entry.Source)
}

func TestCorruptFileYieldsEmptyCache(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme.json"), []byte("{not json"), 0o600))

	c, err := Load(dir, "acme")
	require.NoError(t, err)
	assert.Empty(t, c.All())
}

func TestDelete(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(dir, "acme")
	require.NoError(t, err)

	pub, _, _ := ed25519.GenerateKey(nil)
	require.NoError(t, c.Put(Entry{Username: "bob", PublicKey: pub}))
	require.NoError(t, c.Delete("bob"))

	_, ok := c.Get("bob")
	assert.False(t, ok)
}
