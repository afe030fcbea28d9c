package main

import (
	"github.com/alecthomas/kong"

	"sfplink/internal/cli"
)

func main() {
	var root cli.CLI
	ctx := kong.Parse(&root,
		kong.Name("sfplink"),
		kong.Description("Configure SFP transceiver modules over a BLE programmer, directly or through a WebSocket relay."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(&root)
	ctx.FatalIfErrorf(err)
}
