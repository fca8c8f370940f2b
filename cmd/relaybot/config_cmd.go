package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"relaybot/internal/adapter/gateway"
	"relaybot/internal/infra/config"
	"relaybot/internal/usecase/configsync"
)

func runConfig(args []string) error {
	if len(args) == 0 {
		printConfigUsage()
		return nil
	}

	switch args[0] {
	case "path":
		fmt.Println(config.NewStore(configPath()).Path())
		return nil
	case "get", "schema":
	default:
		return fmt.Errorf("unknown config subcommand: %s\n\nRun 'relaybot config' for usage", args[0])
	}

	ctx := context.Background()
	rt, _, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	svc := configsync.NewService(configsync.Deps{
		Store:              rt.store,
		Loader:             rt.loader,
		Logger:             rt.logger,
		Version:            version,
		WorkspaceDir:       rt.workspaceDir(),
		CoreGatewayMethods: gateway.CoreMethods,
		PrepareTree:        decryptSecrets,
	})
	return printConfig(ctx, os.Stdout, svc, args[0])
}

func printConfigUsage() {
	fmt.Println(`relaybot config - Config file inspection

USAGE:
    relaybot config <COMMAND>

COMMANDS:
    get       Print the config snapshot (raw text, hash, validation issues)
    schema    Print the aggregated JSON schema and UI hints
    path      Print the resolved config file path`)
}

func printConfig(ctx context.Context, w io.Writer, svc *configsync.Service, what string) error {
	var (
		out any
		err error
	)
	switch what {
	case "get":
		out, err = svc.Get(ctx, configsync.GetParams{})
	case "schema":
		out, err = svc.Schema(ctx, configsync.SchemaParams{})
	default:
		return fmt.Errorf("unknown config subcommand: %s", what)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
