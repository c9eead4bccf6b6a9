//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/nightwatch/internal/usage"
	"github.com/openkcm/nightwatch/pkg/csrf"
)

const dashboardOrigin = "http://nightwatch.test"

func TestDashboard(t *testing.T) {
	const cmdName = "api-server"

	ctx := t.Context()

	istat := initInfra(t, cmdName)
	defer istat.Close(ctx)

	istat.PreparePostgres(t)
	istat.PrepareValKey(t)
	istat.PrepareIdP(t, dashboardOrigin+"/auth/callback")
	istat.PrepareConfig(t)

	commandCtx, cancelCommand := context.WithTimeout(ctx, 60*time.Second)
	defer cancelCommand()

	cmd := istat.Command(commandCtx, t, cmdName)
	require.NoError(t, cmd.Start(), "could not start command")
	defer Stop(cmd)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	client := &http.Client{
		Jar: jar,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return new(net.Dialer).DialContext(ctx, "unix", istat.Socket)
			},
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 10 * time.Second,
	}

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = client.Get(dashboardOrigin + "/users")
		return err == nil
	}, 10*time.Second, 100*time.Millisecond, "could not connect to the dashboard")
	resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	authURL := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(authURL, istat.IdP.URL), authURL)

	code, state := istat.IdP.Authorize(t, authURL)
	resp, err = client.Get(dashboardOrigin + "/auth/callback?" + url.Values{"code": {code}, "state": {state}}.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("Location"))

	t.Run("lists the seeded users", func(t *testing.T) {
		resp, err := client.Get(dashboardOrigin + "/users?period=all")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var page usage.UserPage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
		assert.Equal(t, int64(3), page.Pagination.TotalCount)
		assert.Equal(t, usage.FilterCounts{Total: 3, Banned: 1, Verified: 1, SkipIDV: 1, Unverified: 1}, page.FilterCounts)
	})

	t.Run("rejects a mutation without a CSRF token", func(t *testing.T) {
		resp, err := client.Post(dashboardOrigin+"/api/keys/00000000-0000-0000-0000-000000000000/revoke", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("accepts a mutation with the CSRF token", func(t *testing.T) {
		u, err := url.Parse(dashboardOrigin)
		require.NoError(t, err)

		var token string
		for _, c := range jar.Cookies(u) {
			if c.Name == csrf.CookieName {
				token = c.Value
			}
		}
		require.NotEmpty(t, token)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, dashboardOrigin+"/api/keys/00000000-0000-0000-0000-000000000000/revoke", nil)
		require.NoError(t, err)
		req.Header.Set(csrf.HeaderName, token)

		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("logout ends the session", func(t *testing.T) {
		resp, err := client.Get(dashboardOrigin + "/auth/logout")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusFound, resp.StatusCode)

		resp, err = client.Get(dashboardOrigin + "/users")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusFound, resp.StatusCode)
	})
}
