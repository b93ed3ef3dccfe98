package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"go-relay/internal/stress"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LOG_LEVEL", "error")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := cmd.Execute()
	return out.String(), err
}

func TestStressCmd_Redelivery(t *testing.T) {
	out, err := runCLI(t, "stress", "redelivery", "--messages", "6", "--workers", "2")
	require.NoError(t, err)

	var report stress.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, stress.ScenarioRedelivery, report.Scenario)
	assert.Equal(t, 6, report.Sent)
	assert.Equal(t, []int64{1, 3, 5}, report.DeadLettered)
	assert.NoError(t, report.Verify())
}

func TestStressCmd_PolicyFromEnvironment(t *testing.T) {
	t.Setenv("RELAY_POLICY", "topic")
	out, err := runCLI(t, "stress", "redelivery", "--messages", "4")
	require.NoError(t, err)

	var report stress.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, []int64{0, 2}, report.DeadLettered)
}

func TestStressCmd_MaxRedeliveriesFromEnvironment(t *testing.T) {
	t.Setenv("RELAY_MAX_REDELIVERIES", "1")
	out, err := runCLI(t, "stress", "redelivery", "--messages", "2")
	require.NoError(t, err)

	var report stress.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, []int64{0, 1}, report.DeadLettered)
}

func TestStressCmd_MaxRedeliveriesHelpShowsOneDefault(t *testing.T) {
	flag := newStressCmd(&rootOptions{}).Flags().Lookup("max-redeliveries")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
	assert.NotContains(t, flag.Usage, "default")
}

func TestStressCmd_FanOut(t *testing.T) {
	out, err := runCLI(t, "stress", "fanout", "--messages", "5", "--publishers", "3", "--subscribers", "2")
	require.NoError(t, err)

	var report stress.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 15, report.Sent)
	assert.Len(t, report.Deliveries, 2)
}

func TestStressCmd_UnknownScenario(t *testing.T) {
	_, err := runCLI(t, "stress", "nope")
	assert.Error(t, err)
}

func TestSendCmd_RequiresPositiveCount(t *testing.T) {
	_, err := runCLI(t, "send", "--count", "0")
	assert.Error(t, err)
}
