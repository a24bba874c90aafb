package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.15, cfg.Escrow.ContributionTax)
	assert.Equal(t, int64(1500), cfg.Escrow.TaxBasisPoints())
	assert.Equal(t, 3, cfg.Dispute.PanelSize)
	assert.Equal(t, 72*time.Hour, cfg.Dispute.VotingWindow)
	assert.Equal(t, 100, cfg.Reputation.MaxIterations)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "memory", cfg.Settlement.Backend)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawtrust.yaml")
	body := `
negotiation:
  min_stake: 5000000
escrow:
  contribution_tax: 0.12
  fund_account: fund:research
reputation:
  half_life: 168h
  epsilon: 0.0001
dispute:
  panel_size: 5
  voting_window: 24h
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("CLAWTRUST_CONTRIBUTION_TAX", "0.18")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(5_000_000), cfg.Negotiation.MinStake)
	assert.Equal(t, 0.18, cfg.Escrow.ContributionTax)
	assert.Equal(t, "fund:research", cfg.Escrow.FundAccount)
	assert.Equal(t, 168*time.Hour, cfg.Reputation.HalfLife)
	assert.Equal(t, 5, cfg.Dispute.PanelSize)
	assert.Equal(t, 24*time.Hour, cfg.Dispute.VotingWindow)
}

func TestValidateRejectsOutOfRangeTax(t *testing.T) {
	for _, tax := range []float64{0.05, 0.25} {
		cfg := Default()
		cfg.Escrow.ContributionTax = tax
		require.Error(t, cfg.Validate(), "tax %v", tax)
	}
}

func TestValidateBackends(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = "postgres"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Events.Sink = "outbox"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Settlement.Backend = "evm"
	require.Error(t, cfg.Validate())
	cfg.Settlement.EVM.RPCURL = "http://127.0.0.1:8545"
	cfg.Settlement.EVM.ContractAddress = "0x00000000000000000000000000000000000000aa"
	require.NoError(t, cfg.Validate())
}

func TestValidatePanelAndAgents(t *testing.T) {
	cfg := Default()
	cfg.Dispute.PanelSize = 4
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Agents = []AgentSeed{{ID: "agent-a", Stake: 10}, {Stake: 1}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents[1]")
}
