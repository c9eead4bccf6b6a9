//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusServer(t *testing.T) {
	const cmdName = "api-server"

	ctx := t.Context()

	istat := initInfra(t, cmdName)
	defer istat.Close(ctx)

	istat.PreparePostgres(t)
	istat.PrepareValKey(t)
	istat.PrepareIdP(t, "http://nightwatch.test/auth/callback")
	istat.PrepareConfig(t)

	commandCtx, cancelCommand := context.WithTimeout(ctx, 30*time.Second)
	defer cancelCommand()

	cmd := istat.Command(commandCtx, t, cmdName)
	require.NoError(t, cmd.Start(), "could not start command")
	defer Stop(cmd)

	// give the server some time to start before running the test
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://localhost:8888/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 10*time.Second, 100*time.Millisecond, "could not connect to the status server")

	tests := []struct {
		name     string
		endpoint string
	}{
		{name: "get version", endpoint: "version"},
		{name: "get readiness", endpoint: "probe/readiness"},
		{name: "get liveness", endpoint: "probe/liveness"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get("http://localhost:8888/" + tc.endpoint)
			require.NoError(t, err, "could not send request")
			defer resp.Body.Close()

			got, err := io.ReadAll(resp.Body)
			require.NoError(t, err, "could not read response body")

			t.Logf("response: %s", got)
			var js json.RawMessage
			assert.NoError(t, json.Unmarshal(got, &js), "response is not valid json: %s", got)
		})
	}
}
