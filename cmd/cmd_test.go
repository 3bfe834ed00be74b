package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/realtime-911/internal/app"
	"github.com/JakeFAU/realtime-911/internal/config"
	memorypublisher "github.com/JakeFAU/realtime-911/internal/publisher/memory"
)

const feedPage = `<html><body><table>
<tr><th>Date</th><th>Incident</th><th>Level</th><th>Units</th><th>Location</th><th>Type</th></tr>
<tr><td>8/15/2024 2:03:04 PM</td><td>F240001</td><td>1</td><td>E25</td><td>500 Pine St</td><td>Aid Response</td></tr>
</table></body></html>`

func writeConfig(t *testing.T, endpoint string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf("feed:\n  endpoint_url: %s\nhttp:\n  max_retries: 0\nlogging:\n  level: error\n", endpoint)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPollCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(feedPage))
	}))
	defer srv.Close()
	cfgPath := writeConfig(t, srv.URL)

	t.Run("json", func(t *testing.T) {
		out, err := runRoot(t, "poll", "--config", cfgPath)
		require.NoError(t, err)
		var incs []map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &incs))
		require.Len(t, incs, 1)
		assert.Equal(t, "F240001", incs[0]["id"])
		assert.Equal(t, "active", incs[0]["status"])
	})

	t.Run("yaml", func(t *testing.T) {
		out, err := runRoot(t, "poll", "--config", cfgPath, "--output", "yaml")
		require.NoError(t, err)
		var incs []map[string]any
		require.NoError(t, yaml.Unmarshal([]byte(out), &incs))
		require.Len(t, incs, 1)
		assert.Equal(t, "500 Pine St", incs[0]["address"])
		assert.Equal(t, []any{"E25"}, incs[0]["units"])
	})

	t.Run("bad output format", func(t *testing.T) {
		_, err := runRoot(t, "poll", "--config", cfgPath, "-o", "xml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--output must be json or yaml")
	})
}

func TestPollCommandUsesInjectedApp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(feedPage))
	}))
	defer srv.Close()

	pub := memorypublisher.New()
	orig := newApp
	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
		return app.New(ctx, cfg, logger, app.WithPublisher(pub))
	}
	t.Cleanup(func() { newApp = orig })

	_, err := runRoot(t, "poll", "--config", writeConfig(t, srv.URL))
	require.NoError(t, err)
	require.Len(t, pub.Messages(), 1)
}

func TestPollCommandUpstreamDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := runRoot(t, "poll", "--config", writeConfig(t, srv.URL))
	require.ErrorIs(t, err, errPollFailed)
}

func TestRootRejectsBadConfig(t *testing.T) {
	_, err := runRoot(t, "poll", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestResolveAppWithoutContextValue(t *testing.T) {
	_, err := resolveApp(context.Background())
	require.Error(t, err)
}
