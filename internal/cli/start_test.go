package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		cmd := GetRootCmd()
		startCmd := cmd.Commands()

		found := false
		for _, c := range startCmd {
			if c.Name() == "start" {
				found = true
				assert.Contains(t, c.Aliases, "serve")
				break
			}
		}
		assert.True(t, found, "start command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"start", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "Start the ctxlab gateway service")
	})

	t.Run("daemon not running", func(t *testing.T) {
		tmpDir := t.TempDir()
		pidFile := filepath.Join(tmpDir, "test.pid")

		assert.False(t, isRunning(pidFile))
	})

	t.Run("daemon running", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "test.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644))

		assert.True(t, isRunning(pidFile))
	})

	t.Run("refuses to start twice", func(t *testing.T) {
		cfgPath, dataDir := writeTestConfig(t, "")
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, "ctxlab.pid"), []byte(strconv.Itoa(os.Getpid())), 0o644))

		_, err := execute(t, "start", "--config", cfgPath)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already running")
	})
}

// writeTestConfig writes a config file whose data directory lives in a
// temp dir. extra is spliced into the top-level JSON object.
func writeTestConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))

	body := `{"data_dir": ` + strconv.Quote(dataDir)
	if extra != "" {
		body += ", " + extra
	}
	body += "}"

	path := filepath.Join(dir, "ctxlab.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path, dataDir
}
