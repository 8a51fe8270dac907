// salesctl is a tool for inspecting and mutating the entity tables of a
// sales-operations remote store, through synchronized collections.
package main

import (
	"github.com/jessevdk/go-flags"
	mbp "go.salesops.dev/core/mainboilerplate"
)

const iniFilename = "salesctl.ini"

var (
	baseCfg = new(struct {
		mbp.BackendConfig
		Session     mbp.SessionConfig     `group:"Session" namespace:"session" env-namespace:"SESSION"`
		Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
		Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"diagnostics" env-namespace:"DIAGNOSTICS"`
	})
	// commands are registered by the init() of each command's file.
	commands = mbp.NewCommandRegistry()
)

func main() {
	var parser = flags.NewParser(baseCfg, flags.Default)

	mbp.AddPrintConfigCmd(parser, iniFilename)
	parser.LongDescription = `salesctl is a tool for inspecting and mutating the entity tables of a
sales-operations remote store.

See --help pages of each sub-command for documentation and usage examples.
Optionally configure salesctl with a '` + iniFilename + `' file in the current working directory,
or with '~/.config/salesops/` + iniFilename + `'. Use the 'print-config' sub-command to inspect
the tool's current configuration.
`
	mbp.Must(commands.AddCommands("", parser.Command), "could not add subcommand")
	mbp.MustParseConfig(parser, iniFilename)
}
