package signer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeIdentity(t *testing.T, agentsDir, agentID, wif string) {
	t.Helper()
	dir := filepath.Join(agentsDir, agentID)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	body := `{"agentId":"` + agentID + `","wif":"` + wif + `","address":"addr-` + agentID + `","iAddress":"i-` + agentID + `","identityName":"` + agentID + `@","network":"VRSC"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keys.json"), []byte(body), 0o600))
}

func TestLoadIdentitiesSortedAndParsed(t *testing.T) {
	dir := t.TempDir()
	writeIdentity(t, dir, "bravo", testWIF)
	writeIdentity(t, dir, "alpha", testWIF)

	identities, err := LoadIdentities(dir)
	require.NoError(t, err)
	require.Len(t, identities, 2)
	require.Equal(t, "alpha", identities[0].AgentID)
	require.Equal(t, "bravo", identities[1].AgentID)
	require.Equal(t, "VRSC", identities[0].Network)
}

func TestLoadIdentitiesSkipsDirsWithoutKeysFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty-agent"), 0o700))
	writeIdentity(t, dir, "real-agent", testWIF)

	identities, err := LoadIdentities(dir)
	require.NoError(t, err)
	require.Len(t, identities, 1)
	require.Equal(t, "real-agent", identities[0].AgentID)
}

func TestLoadSoulMissingIsNotError(t *testing.T) {
	dir := t.TempDir()
	writeIdentity(t, dir, "agent-1", testWIF)

	soul, err := LoadSoul(dir, "agent-1")
	require.NoError(t, err)
	require.Empty(t, soul)
}

func TestLoadSoulReadsContent(t *testing.T) {
	dir := t.TempDir()
	writeIdentity(t, dir, "agent-1", testWIF)
	require.NoError(t, os.WriteFile(SoulPath(dir, "agent-1"), []byte("You are helpful."), 0o600))

	soul, err := LoadSoul(dir, "agent-1")
	require.NoError(t, err)
	require.Equal(t, "You are helpful.", soul)
}
