package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"tradeguard/internal/risk"
	"tradeguard/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestAssess_ReducesOversizedTrade(t *testing.T) {
	out, err := run(t, "assess", "--amount", "1", "--price", "30000", "--balance", "100000", "--stop-loss", "29000")
	require.NoError(t, err)

	assert.Contains(t, out, "RISK ASSESSMENT")
	assert.Contains(t, out, "REDUCE_SIZE")
	assert.Contains(t, out, "0.06666666")
}

func TestAssess_MarketWarningsAndLimitsFile(t *testing.T) {
	dir := t.TempDir()
	limitsPath := filepath.Join(dir, "limits.yaml")
	require.NoError(t, os.WriteFile(limitsPath, []byte("maxPositionSize: 50000\nmaxRiskPerTradePercent: 50\nminAccountBalance: 100\napprovalLevel: high\n"), 0o600))

	out, err := run(t, "assess", "--limits", limitsPath, "--amount", "0.1", "--price", "30000",
		"--balance", "100000", "--volatility", "0.2")
	require.NoError(t, err)

	assert.Contains(t, out, "REQUIRE_APPROVAL")
	assert.Contains(t, out, "high volatility")
}

func TestAssess_RequiresAmount(t *testing.T) {
	_, err := run(t, "assess")
	assert.Error(t, err)
}

func TestAuditAndEvents(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.New(dir)
	require.NoError(t, err)

	engine := risk.NewEngine(risk.DefaultLimits(), risk.WithAuditSink(store))
	req := risk.NewTradeRequest("alice", "ETH/USDT", risk.SideBuy, 0.5)
	req.Price = risk.Float(2000)
	engine.AssessTradeRisk(req, 100000, nil, nil)
	engine.ActivateEmergencyStop("fat finger drill")
	engine.AssessTradeRisk(req, 100000, nil, nil)
	require.NoError(t, store.Close())

	out, err := run(t, "--data", dir, "audit", "--user", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "ASSESSMENTS: ALICE")
	assert.Contains(t, out, "ETH/USDT")
	assert.Contains(t, out, "emergency stop active: fat finger drill")
	assert.Contains(t, out, "BLOCK=1")

	out, err = run(t, "--data", dir, "events")
	require.NoError(t, err)
	assert.Contains(t, out, "ACTIVATED")
	assert.Contains(t, out, "fat finger drill")

	_, err = run(t, "--data", dir, "audit")
	assert.Error(t, err, "--user is required")
}
