//go:build integration

package integration_test

import (
	"context"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/goccy/go-yaml"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/nightwatch/internal/config"
	"github.com/openkcm/nightwatch/internal/dbtest/postgrestest"
	"github.com/openkcm/nightwatch/internal/dbtest/valkeytest"
	"github.com/openkcm/nightwatch/internal/oidc/oidctest"
)

type closeFunc func(ctx context.Context)

type infraStat struct {
	PostgresPort   nat.Port
	ValKeyPort     nat.Port
	IdP            *oidctest.Server
	ConfigFilePath string
	Procdir        string
	Socket         string
	Cfg            config.Config

	closeFuncs []closeFunc
}

func initInfra(t *testing.T, exeName string) (istat infraStat) {
	t.Helper()

	// Since the config is read from the file $PWD/config.yaml,
	// we're running a process in a temporary directory so that we aren't interferring with the other tests.
	// os.MkdirTemp keeps the unix socket path short.
	procdir, err := os.MkdirTemp("", exeName)
	require.NoError(t, err, "failed to create a dir for the process")
	istat.Procdir = procdir
	istat.ConfigFilePath = filepath.Join(istat.Procdir, "config.yaml")

	err = os.WriteFile(istat.ConfigFilePath, []byte(validConfig), fs.ModePerm)
	require.NoError(t, err, "failed to write config file")

	err = commoncfg.LoadConfig(&istat.Cfg, nil, istat.Procdir)
	require.NoError(t, err, "failed to load config")

	istat.Socket = filepath.Join(istat.Procdir, "http.sock")
	istat.Cfg.HTTP.Address = "unix://" + istat.Socket

	return istat
}

func (istat *infraStat) PreparePostgres(t *testing.T) {
	t.Helper()

	pgClient, pgPort, pgTerminate := postgrestest.Start(t.Context())
	pgClient.Close()

	istat.PostgresPort = pgPort
	istat.closeFuncs = append(istat.closeFuncs, pgTerminate)

	istat.Cfg.Database.Name = postgrestest.DBName
	istat.Cfg.Database.User = commoncfg.SourceRef{Source: "embedded", Value: postgrestest.DBUser}
	istat.Cfg.Database.Password = commoncfg.SourceRef{Source: "embedded", Value: postgrestest.DBPassword}
	istat.Cfg.Database.Host = commoncfg.SourceRef{Source: "embedded", Value: postgrestest.DBHost}
	istat.Cfg.Database.Port = pgPort.Port()
}

func (istat *infraStat) PrepareValKey(t *testing.T) {
	t.Helper()

	_, vkPort, vkTerminate := valkeytest.Start(t.Context())

	istat.ValKeyPort = vkPort
	istat.closeFuncs = append(istat.closeFuncs, vkTerminate)

	istat.Cfg.ValKey.Host = commoncfg.SourceRef{Source: "embedded", Value: valkeytest.Addr(vkPort)}
	istat.Cfg.ValKey.Prefix = valkeytest.DenylistPrefix
	istat.Cfg.ValKey.User = commoncfg.SourceRef{Source: "embedded", Value: ""}
	istat.Cfg.ValKey.Password = commoncfg.SourceRef{Source: "embedded", Value: ""}
}

// PrepareIdP starts a fake identity provider and points the auth config at it.
func (istat *infraStat) PrepareIdP(t *testing.T, redirectURI string) {
	t.Helper()

	istat.IdP = oidctest.StartServer(t)

	istat.Cfg.Auth.IssuerURL = istat.IdP.URL
	istat.Cfg.Auth.ClientID = commoncfg.SourceRef{Source: "embedded", Value: oidctest.ClientID}
	istat.Cfg.Auth.ClientSecret = commoncfg.SourceRef{Source: "embedded", Value: oidctest.ClientSecret}
	istat.Cfg.Auth.RedirectURI = redirectURI
	istat.Cfg.Auth.DevMode = true
}

// PrepareConfig writes a config file for running the test into the ConfigFilePath.
func (istat *infraStat) PrepareConfig(t *testing.T) {
	t.Helper()

	data, err := yaml.Marshal(istat.Cfg)
	require.NoError(t, err, "failed to encode config")

	err = os.WriteFile(istat.ConfigFilePath, data, 0o600)
	require.NoError(t, err, "failed to write config")
}

// Command prepares the binary to run the given subcommand inside Procdir.
func (istat *infraStat) Command(ctx context.Context, t *testing.T, subcommand string) *exec.Cmd {
	t.Helper()

	currdir, err := os.Getwd()
	require.NoError(t, err, "failed to get wd")

	cmd := exec.CommandContext(ctx, filepath.Join(currdir, binary), subcommand)
	cmd.Dir = istat.Procdir

	cmdOutPath := filepath.Join(currdir, subcommand+".log")
	cmdOut, err := os.Create(cmdOutPath)
	require.NoError(t, err, "failed to create a log file")
	t.Cleanup(func() { cmdOut.Close() })

	cmd.Stdout = cmdOut
	cmd.Stderr = cmdOut
	t.Logf("starting an app process. Logs will be saved into %s", cmdOutPath)

	return cmd
}

// Stop gracefully stops a started process so that coverprofiles are written.
func Stop(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(cmd.Process.Pid, syscall.SIGTERM)
	_ = cmd.Wait()
}

func (istat *infraStat) Close(ctx context.Context) {
	os.RemoveAll(istat.Procdir)

	for _, close := range istat.closeFuncs {
		close(ctx)
	}
}
