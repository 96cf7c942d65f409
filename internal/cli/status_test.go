package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		cmd := GetRootCmd()
		statusCmd := cmd.Commands()

		found := false
		for _, c := range statusCmd {
			if c.Name() == "status" {
				found = true
				break
			}
		}
		assert.True(t, found, "status command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"status", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "status")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	cfgPath, _ := writeTestConfig(t, "")

	output, err := execute(t, "status", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, output, "Status: stopped")
}

func TestProbeAddr(t *testing.T) {
	tests := []struct {
		listen   string
		expected string
	}{
		{"127.0.0.1:8787", "127.0.0.1:8787"},
		{":8787", "127.0.0.1:8787"},
		{"0.0.0.0:9000", "127.0.0.1:9000"},
		{"localhost:8787", "localhost:8787"},
	}

	for _, tt := range tests {
		t.Run(tt.listen, func(t *testing.T) {
			assert.Equal(t, tt.expected, probeAddr(tt.listen))
		})
	}
}

func TestFetchHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","connections":2,"active_runs":1}`))
	}))
	defer srv.Close()

	report, err := fetchHealth(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, 2, report.Connections)
	assert.Equal(t, 1, report.ActiveRuns)
}
