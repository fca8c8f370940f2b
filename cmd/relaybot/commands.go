package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"relaybot/internal/domain"
)

// builtinCommands are the host's own top-level commands. Plugins cannot
// shadow them.
var builtinCommands = []string{"run", "plugins", "config", "doctor", "encrypt", "help", "version"}

type pluginCommand struct {
	summary string
	run     domain.CommandFunc
}

// commandSet collects the commands plugins register through RegisterCLI.
type commandSet struct {
	logger   *slog.Logger
	reserved map[string]bool
	commands map[string]pluginCommand
}

var _ domain.CommandRegistrar = (*commandSet)(nil)

func newCommandSet(reserved []string, logger *slog.Logger) *commandSet {
	c := &commandSet{
		logger:   logger,
		reserved: make(map[string]bool, len(reserved)),
		commands: make(map[string]pluginCommand),
	}
	for _, name := range reserved {
		c.reserved[name] = true
	}
	return c
}

// Command implements domain.CommandRegistrar. Reserved, blank and duplicate
// names are skipped with a warning.
func (c *commandSet) Command(name, summary string, run domain.CommandFunc) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch {
	case name == "" || run == nil:
		c.logger.Warn("plugin command ignored: missing name or handler")
	case c.reserved[name]:
		c.logger.Warn("plugin command ignored: reserved name", "command", name)
	case c.commands[name].run != nil:
		c.logger.Warn("plugin command ignored: already registered", "command", name)
	default:
		c.commands[name] = pluginCommand{summary: summary, run: run}
	}
}

// Names returns the registered command names in sorted order.
func (c *commandSet) Names() []string {
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes the named command.
func (c *commandSet) Run(ctx context.Context, name string, args []string) error {
	cmd, ok := c.commands[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("%w: command %q", domain.ErrNotFound, name)
	}
	return cmd.run(ctx, args)
}

func collectPluginCommands(rt *runtime, tree map[string]any) *commandSet {
	cmds := newCommandSet(builtinCommands, rt.logger)
	rt.host.RegisterCLI(cmds, domain.CLIContext{
		Config:       tree,
		WorkspaceDir: rt.workspaceDir(),
		Logger:       rt.logger,
	})
	return cmds
}

// runPluginCommand dispatches a top-level command contributed by a plugin.
func runPluginCommand(name string, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, tree, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	cmds := collectPluginCommands(rt, tree)
	if _, ok := cmds.commands[strings.ToLower(name)]; !ok {
		return fmt.Errorf("unknown command\n\nRun 'relaybot --help' for usage information")
	}
	return cmds.Run(ctx, name, args)
}
