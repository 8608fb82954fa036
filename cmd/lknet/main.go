// Command lknet runs TCP stacks over an in-memory hub for exercising the
// engine end to end.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(echoCmd), "")
	subcommands.Register(new(socketsCmd), "")

	flag.StringVar(&configPath, "config", "", "TOML configuration file.")
	flag.StringVar(&logLevel, "log", "", "log level: trace, debug, info, warn or error. Overrides the configuration file.")
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
