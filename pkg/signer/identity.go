package signer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/autobb888/vap-dispatcher/pkg/types"
)

// identityFile is the on-disk shape of ${AGENTS_DIR}/<agentId>/keys.json.
type identityFile struct {
	AgentID      string `json:"agentId"`
	WIF          string `json:"wif"`
	Address      string `json:"address"`
	IAddress     string `json:"iAddress"`
	IdentityName string `json:"identityName"`
	Network      string `json:"network"`
}

// LoadIdentities walks agentsDir and loads one Identity per
// <agentId>/keys.json entry. Entries are returned sorted by AgentID so
// dispatcher startup order is deterministic across restarts. keys.json is
// expected at mode 0600, but its file mode is neither checked nor reported
// here, since the dispatcher does not own the provisioning step.
func LoadIdentities(agentsDir string) ([]*types.Identity, error) {
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		return nil, fmt.Errorf("read agents dir %s: %w", agentsDir, err)
	}

	var identities []*types.Identity
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		keysPath := filepath.Join(agentsDir, entry.Name(), "keys.json")
		raw, err := os.ReadFile(keysPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", keysPath, err)
		}
		var f identityFile
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", keysPath, err)
		}
		if f.AgentID == "" {
			f.AgentID = entry.Name()
		}
		if f.WIF == "" {
			return nil, fmt.Errorf("%s: missing wif", keysPath)
		}
		identities = append(identities, &types.Identity{
			AgentID:      f.AgentID,
			WIF:          f.WIF,
			Address:      f.Address,
			IAddress:     f.IAddress,
			IdentityName: f.IdentityName,
			Network:      f.Network,
		})
	}

	sort.Slice(identities, func(i, j int) bool {
		return identities[i].AgentID < identities[j].AgentID
	})
	return identities, nil
}

// SoulPath returns the path to an identity's persona document, if any. The
// dispatcher reads this at container-start time to inject system-prompt
// context; its absence is not an error (spec §2 describes it as optional).
func SoulPath(agentsDir, agentID string) string {
	return filepath.Join(agentsDir, agentID, "SOUL.md")
}

// LoadSoul reads an identity's persona document, returning "" if it does
// not exist.
func LoadSoul(agentsDir, agentID string) (string, error) {
	raw, err := os.ReadFile(SoulPath(agentsDir, agentID))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read soul for %s: %w", agentID, err)
	}
	return string(raw), nil
}
