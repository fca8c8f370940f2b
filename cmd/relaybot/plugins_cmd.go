package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"

	"relaybot/internal/domain"
	"relaybot/internal/infra/logger"
	"relaybot/internal/plugin"
	"relaybot/internal/plugin/wasm"
)

func runPlugins(args []string) error {
	if len(args) == 0 {
		printPluginsUsage()
		return nil
	}

	switch args[0] {
	case "list":
		ctx := context.Background()
		rt, tree, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close(ctx)
		cmds := collectPluginCommands(rt, tree)
		return writePluginList(os.Stdout, rt.registry(), cmds.Names(), slices.Contains(args[1:], "--json"))
	case "validate":
		if len(args) < 2 {
			return fmt.Errorf("usage: relaybot plugins validate <dir>")
		}
		return validatePluginDir(context.Background(), os.Stdout, args[1])
	default:
		return fmt.Errorf("unknown plugins subcommand: %s\n\nRun 'relaybot plugins' for usage", args[0])
	}
}

func printPluginsUsage() {
	fmt.Println(`relaybot plugins - Plugin inspection tools

USAGE:
    relaybot plugins <COMMAND>

COMMANDS:
    list [--json]      List discovered plugins with their status
    validate <dir>     Validate the plugin.yaml (and wasm entry) in dir`)
}

type pluginListJSON struct {
	Plugins     []*domain.PluginRecord    `json:"plugins"`
	Diagnostics []domain.PluginDiagnostic `json:"diagnostics"`
	Commands    []string                  `json:"commands"`
}

// writePluginList prints the records and diagnostics of reg as a table, or as
// JSON when asJSON is set.
func writePluginList(w io.Writer, reg *plugin.Registry, commands []string, asJSON bool) error {
	if asJSON {
		out := pluginListJSON{
			Plugins:     reg.Plugins,
			Diagnostics: reg.Diagnostics,
			Commands:    commands,
		}
		if out.Plugins == nil {
			out.Plugins = []*domain.PluginRecord{}
		}
		if out.Diagnostics == nil {
			out.Diagnostics = []domain.PluginDiagnostic{}
		}
		if out.Commands == nil {
			out.Commands = []string{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if len(reg.Plugins) == 0 {
		fmt.Fprintln(w, "No plugins found.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tORIGIN\tPROVIDES\tSOURCE")
		for _, rec := range reg.Plugins {
			status := string(rec.Status)
			if rec.Error != "" {
				status += " (" + rec.Error + ")"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, status, rec.Origin, provides(rec), rec.Source)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(reg.Diagnostics) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Diagnostics:")
		for _, d := range reg.Diagnostics {
			subject := d.PluginID
			if subject == "" {
				subject = d.Source
			}
			fmt.Fprintf(w, "  %s: %s: %s\n", strings.ToUpper(string(d.Level)), subject, d.Message)
		}
	}

	if len(commands) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Plugin commands: %s\n", strings.Join(commands, ", "))
	}
	return nil
}

func provides(rec *domain.PluginRecord) string {
	var parts []string
	add := func(kind string, names []string) {
		if len(names) > 0 {
			parts = append(parts, kind+":"+strings.Join(names, ","))
		}
	}
	add("channels", rec.ChannelIDs)
	add("tools", rec.ToolNames)
	add("providers", rec.ProviderIDs)
	add("methods", rec.GatewayMethods)
	add("commands", rec.CLICommands)
	add("services", rec.Services)
	if rec.HTTPHandlers > 0 {
		parts = append(parts, fmt.Sprintf("http:%d", rec.HTTPHandlers))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

// validatePluginDir checks the manifest in dir and, for wasm entries, that the
// module exists and compiles.
func validatePluginDir(ctx context.Context, w io.Writer, dir string) error {
	m, err := plugin.ReadManifest(filepath.Join(dir, plugin.ManifestFile))
	if err != nil {
		fmt.Fprintf(w, "FAIL: %v\n", err)
		return fmt.Errorf("validation failed")
	}

	var issues []string
	if m.ID == "" {
		issues = append(issues, "id is required")
	}

	entry := m.Entry
	if entry == "" {
		entry = plugin.DefaultEntry
	}
	switch {
	case strings.HasPrefix(entry, plugin.BuiltinPrefix):
		if strings.TrimSpace(strings.TrimPrefix(entry, plugin.BuiltinPrefix)) == "" {
			issues = append(issues, "builtin entry is missing a module name")
		}
	case strings.EqualFold(filepath.Ext(entry), ".wasm"):
		if issue := compileWASM(ctx, filepath.Join(dir, entry)); issue != "" {
			issues = append(issues, issue)
		} else {
			fmt.Fprintln(w, "PASS: wasm entry compiles")
		}
	default:
		issues = append(issues, fmt.Sprintf("unsupported entry %q (want builtin:<name> or a .wasm file)", entry))
	}

	if m.WASMConfig != nil {
		if err := wasm.ValidateCapabilities(m.WASMConfig.Capabilities); err != nil {
			issues = append(issues, err.Error())
		} else if len(m.WASMConfig.Capabilities) > 0 {
			fmt.Fprintf(w, "PASS: capabilities valid: %v\n", m.WASMConfig.Capabilities)
		}
	}

	if len(issues) > 0 {
		fmt.Fprintln(w, "Validation results:")
		for _, issue := range issues {
			fmt.Fprintf(w, "  FAIL: %s\n", issue)
		}
		return fmt.Errorf("validation failed with %d issues", len(issues))
	}

	fmt.Fprintf(w, "PASS: plugin %q is valid\n", m.ID)
	return nil
}

func compileWASM(ctx context.Context, path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("wasm entry not readable: %v", err)
	}
	rt := wasm.NewRuntime(ctx, 0, logger.Discard())
	defer rt.Close(ctx)
	if _, err := rt.Inner().CompileModule(ctx, data); err != nil {
		return fmt.Sprintf("wasm compile failed: %v", err)
	}
	return ""
}
