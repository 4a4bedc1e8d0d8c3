package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sabbathtext.yaml")
	body := "store:\n  backend: sqlite\n  sqlite_path: " + filepath.Join(dir, "st.db") + "\nqueue:\n  backend: sqlite\nlog:\n  level: warn\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestSubscribeCommand(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "--config", cfg, "subscribe", "--account", "acct-1", "--tracking-id", "sub-1", "--phone", "+15555550100")
	require.NoError(t, err)

	var resp struct {
		StatusCode int `json:"status_code"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 202, resp.StatusCode)

	// The same tracking id from a second process is still in flight.
	out, err = execute(t, "--config", cfg, "subscribe", "--account", "acct-1", "--tracking-id", "sub-1", "--phone", "+15555550100")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 409, resp.StatusCode)
}

func TestUpdateZipCommand_UnknownAccount(t *testing.T) {
	out, err := execute(t, "--config", writeConfig(t), "update-zip", "--account", "nobody", "--tracking-id", "z", "--zip", "10001")
	require.NoError(t, err)
	assert.Contains(t, out, "AccountNotFound")
}

func TestScheduleCommand_BadTime(t *testing.T) {
	_, err := execute(t, "schedule", "--account", "a", "--tracking-id", "t", "--body", "hi", "--at", "friday")
	assert.ErrorContains(t, err, "--at")
}

func TestCommands_RequiredFlags(t *testing.T) {
	_, err := execute(t, "subscribe", "--account", "a")
	assert.ErrorContains(t, err, "required flag")
}

func TestDeadLettersCommand_Empty(t *testing.T) {
	out, err := execute(t, "--config", writeConfig(t), "deadletters")
	require.NoError(t, err)
	assert.Equal(t, "null\n", out)
}

func TestConfigErrorsSurface(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "deadletters")
	assert.Error(t, err)
}
