// Package valkeytest runs a Valkey container for the logout denylist tests.
package valkeytest

import (
	"context"
	"net"

	"github.com/docker/go-connections/nat"
	"github.com/valkey-io/valkey-go"

	valkeycontainer "github.com/testcontainers/testcontainers-go/modules/valkey"
	slogctx "github.com/veqryn/slog-context"
)

const (
	Image = "valkey/valkey:8-alpine"
	Host  = "localhost"

	// DenylistPrefix is the key prefix tests configure for the denylist.
	DenylistPrefix = "nightwatch-test"
)

// Start runs a Valkey container and returns a client, the mapped port and
// a function that closes the client and terminates the container.
func Start(ctx context.Context) (valkey.Client, nat.Port, func(ctx context.Context)) {
	container, err := valkeycontainer.Run(ctx, Image)
	if err != nil {
		slogctx.Error(ctx, "Failed to start Valkey", "error", err)
		panic(err)
	}

	port, err := container.MappedPort(ctx, nat.Port("6379"))
	if err != nil {
		slogctx.Error(ctx, "Failed to get mapped port for the Valkey container", "error", err)
		panic(err)
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{Addr(port)},
	})
	if err != nil {
		slogctx.Error(ctx, "Failed to connect to Valkey", "error", err)
		panic(err)
	}

	terminate := func(ctx context.Context) {
		client.Close()
		if err := container.Terminate(ctx); err != nil {
			slogctx.Error(ctx, "Failed to terminate Valkey container", "error", err)
			panic(err)
		}
	}

	return client, port, terminate
}

// Addr is the host:port of the container reachable from the tests.
func Addr(port nat.Port) string {
	return net.JoinHostPort(Host, port.Port())
}

// Keys lists the keys under prefix.
func Keys(ctx context.Context, client valkey.Client, prefix string) ([]string, error) {
	return client.Do(ctx, client.B().Keys().Pattern(prefix+"*").Build()).AsStrSlice()
}
