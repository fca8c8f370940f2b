package main

import (
	"fmt"
	"os"
	"strings"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	args := stripConfigFlag(os.Args[1:])

	// Handle help flag first
	if len(args) > 0 {
		switch args[0] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "--version", "version":
			fmt.Println("relaybot", version)
			return
		}
	}

	if len(args) == 0 || args[0] == "run" || strings.HasPrefix(args[0], "-") {
		exitOnError("fatal", run())
		return
	}

	switch args[0] {
	case "plugins":
		exitOnError("plugins", runPlugins(args[1:]))
	case "config":
		exitOnError("config", runConfig(args[1:]))
	case "doctor":
		exitOnError("doctor", runDoctor())
	case "encrypt":
		exitOnError("encrypt", runEncrypt(args[1:]))
	default:
		exitOnError(args[0], runPluginCommand(args[0], args[1:]))
	}
}

func exitOnError(name string, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
	os.Exit(1)
}

func showUsage() {
	fmt.Println(`relaybot - Plugin-driven chat channel gateway

USAGE:
    relaybot [COMMAND] [FLAGS]

COMMANDS:
    run         Start the gateway (default)
    plugins     Inspect plugins
                Subcommands: list [--json], validate <dir>
    config      Inspect the config file
                Subcommands: get, schema
    doctor      Run health checks on your setup
    encrypt     Encrypt a secret for use in the config file
    version     Print the version

    Plugins may contribute further commands; they are listed by
    'relaybot plugins list'.

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml (YAML, or JSON with comments)
    Environment: RELAYBOT_* variables override config
    Secrets:     values prefixed with "enc:" are decrypted with RELAYBOT_CONFIG_KEY

EXAMPLES:
    relaybot                                 # Run with config.yaml
    relaybot --config /etc/relaybot.yaml     # Run with custom config
    relaybot plugins list --json             # Plugin records as JSON
    RELAYBOT_CONFIG_KEY=... relaybot encrypt xoxb-...`)
}

// configPath resolves the config file from --config, RELAYBOT_CONFIG or the
// default.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("RELAYBOT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// stripConfigFlag removes --config and its value so commands see only their
// own arguments.
func stripConfigFlag(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config":
			i++
		case strings.HasPrefix(args[i], "--config="):
		default:
			out = append(out, args[i])
		}
	}
	return out
}
