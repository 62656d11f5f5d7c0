package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCommand_JSON(t *testing.T) {
	out, err := runCommand(t, "version", "--json")
	require.NoError(t, err)

	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "dev", v["version"])
	assert.NotEmpty(t, v["go_version"])
}

func TestConfigPath_HonorsFlag(t *testing.T) {
	out, err := runCommand(t, "config", "path", "--config", "/tmp/nifty-test")
	require.NoError(t, err)
	assert.Contains(t, out, "/tmp/nifty-test")
}

func TestReportCommand_RejectsBadDate(t *testing.T) {
	_, err := runCommand(t, "report", "--date", "02-06-2025")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "YYYY-MM-DD")
}

func TestExportCommand_RequiresFrom(t *testing.T) {
	_, err := runCommand(t, "export")
	require.Error(t, err)
}

func TestExportCommand_RejectsBadFrom(t *testing.T) {
	_, err := runCommand(t, "export", "--from", "June 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "YYYY-MM-DD")
}
