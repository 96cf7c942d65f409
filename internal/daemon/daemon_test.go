package daemon

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/harun/ctxlab/internal/config"
	"github.com/harun/ctxlab/pkg/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	daemon := createTestDaemon(t)

	assert.NotNil(t, daemon)
	assert.NotNil(t, daemon.runtime)
	assert.NotNil(t, daemon.gatewayServer)
	assert.NotNil(t, daemon.eventLoop)
	assert.NotNil(t, daemon.lifecycle)
	assert.Nil(t, daemon.scheduler)
}

func TestNew_KnowledgeScheduler(t *testing.T) {
	t.Run("should schedule resyncs when knowledge is enabled", func(t *testing.T) {
		daemon := createTestDaemon(t, func(cfg *config.Config) {
			enableKnowledge(t, cfg)
		})
		defer daemon.runtime.Close(time.Second)

		assert.NotNil(t, daemon.scheduler)
		assert.Len(t, daemon.scheduler.Entries(), 1)
	})

	t.Run("should reject an invalid schedule", func(t *testing.T) {
		useStubProvider(t, "Hello")
		cfg := newTestConfig(t)
		enableKnowledge(t, cfg)
		cfg.Knowledge.ResyncSchedule = "every now and then"

		_, err := New(cfg, newTestLogger(t))
		assert.ErrorContains(t, err, "invalid knowledge resync schedule")
	})
}

func TestDaemonStartStop(t *testing.T) {
	daemon := createTestDaemon(t)

	err := daemon.Start()
	require.NoError(t, err)

	status := daemon.Status()
	assert.True(t, status.Running)

	t.Run("should refuse a second start", func(t *testing.T) {
		assert.Error(t, daemon.Start())
	})

	t.Run("should serve the gateway", func(t *testing.T) {
		resp, err := http.Get("http://" + daemon.GetGatewayServer().Addr() + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	err = daemon.Stop()
	require.NoError(t, err)

	status = daemon.Status()
	assert.False(t, status.Running)

	assert.Error(t, daemon.Stop())
}

func TestDaemonQuery(t *testing.T) {
	daemon := createTestDaemon(t)
	require.NoError(t, daemon.Start())
	defer daemon.Stop()

	body := strings.NewReader(`{"query":"hi","session_id":"s1"}`)
	req, err := http.NewRequest(http.MethodPost, "http://"+daemon.GetGatewayServer().Addr()+"/api/query", body)
	require.NoError(t, err)
	req.Header.Set(gateway.SecretHeader, "test-secret")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var batch gateway.BatchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&batch))
	assert.Equal(t, "s1", batch.SessionID)
	require.NotEmpty(t, batch.Events)
	assert.Equal(t, "complete", string(batch.Events[len(batch.Events)-1].Type))
}

func TestDaemonStatus(t *testing.T) {
	daemon := createTestDaemon(t, func(cfg *config.Config) {
		enableKnowledge(t, cfg)
	})

	status := daemon.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)
	require.NotNil(t, status.Knowledge)

	require.NoError(t, daemon.Start())
	defer daemon.Stop()

	time.Sleep(50 * time.Millisecond)
	status = daemon.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))
	assert.NotEmpty(t, status.Addr)
	assert.Equal(t, 0, status.ActiveRuns)

	assert.Eventually(t, func() bool {
		ks := daemon.Status().Knowledge
		return ks != nil && ks.LastSyncTime != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDaemonGetters(t *testing.T) {
	daemon := createTestDaemon(t)
	defer daemon.runtime.Close(time.Second)

	assert.NotNil(t, daemon.GetConfig())
	assert.NotNil(t, daemon.GetLogger())
	assert.NotNil(t, daemon.GetRuntime())
	assert.NotNil(t, daemon.GetGatewayServer())
}
