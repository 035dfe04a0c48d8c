package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lunchbox/internal/registry"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lunchbox.yaml")
	content := `
http:
  addr: "127.0.0.1:0"
logging:
  level: ERROR
  console: false
  file:
    enabled: false
registry:
  driver: memory
poller:
  interval: 50ms
  watchdog_interval: 100ms
  autostart: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestAppStartScheduleStatsStop(t *testing.T) {
	a, err := New(writeConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		require.NoError(t, a.Stop(stopCtx))
	}()

	base := "http://" + a.http.Addr()

	// Schedule a task through the boundary API.
	due := time.Now().Add(4 * time.Hour).UTC()
	body := fmt.Sprintf(`{"id":"t1","userId":"u1","userEmail":"u@example.com","text":"pack lunch","dueDate":%q}`,
		due.Format(time.RFC3339))
	resp, err := http.Post(base+"/api/v1/tasks/schedule", "application/json",
		strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Stats reflect the two scheduled entries.
	resp2, err := http.Get(base + "/api/v1/notifications/stats")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var st registry.Stats
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&st))
	assert.Equal(t, 2, st.Pending)

	// Poller is not auto-started; the control surface starts it.
	resp3, err := http.Get(base + "/api/v1/poller/status")
	require.NoError(t, err)
	defer resp3.Body.Close()
	var status struct {
		Running bool `json:"running"`
	}
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&status))
	assert.False(t, status.Running)

	resp4, err := http.Post(base+"/api/v1/poller/start", "application/json", nil)
	require.NoError(t, err)
	defer resp4.Body.Close()
	require.Equal(t, http.StatusOK, resp4.StatusCode)
	require.Eventually(t, a.poller.Running, 2*time.Second, 20*time.Millisecond)
}
