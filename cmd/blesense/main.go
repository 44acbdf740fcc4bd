package main

import (
	"github.com/alecthomas/kong"

	"github.com/chaz8081/blesense/internal/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c,
		kong.Name("blesense"),
		kong.Description("Connect to a BLE sensor and chart its notifications."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&c))
}
