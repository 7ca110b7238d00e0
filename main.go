// A command to run a node sharing nexus devices over NBD and iSCSI
package main

import (
	"fmt"
	"os"

	"github.com/rclone/gonexus/bdev"
	"github.com/rclone/gonexus/server"
	"github.com/urfave/cli/v2"

	_ "github.com/rclone/gonexus/backend/aio"
	_ "github.com/rclone/gonexus/backend/file"
	_ "github.com/rclone/gonexus/backend/malloc"
)

// set via -ldflags "-X main.version=..."
var version = "dev"

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "Path to the configuration file",
	Value:   "/etc/gonexus.yaml",
	EnvVars: []string{"GONEXUS_CONFIG"},
}

func serve(cliCtx *cli.Context) error {
	return server.Run(server.Options{
		ConfigFile: cliCtx.String("config"),
		Foreground: cliCtx.Bool("foreground"),
	}, nil)
}

// main() is the main program entry
//
// this is a wrapper to enable us to put the interesting stuff in a package
func main() {
	serveFlags := []cli.Flag{
		configFlag,
		&cli.BoolFlag{
			Name:    "foreground",
			Aliases: []string{"f"},
			Usage:   "Do not detach from the terminal",
		},
	}
	app := &cli.App{
		Name:    "gonexus",
		Usage:   "Share nexus block devices over NBD and iSCSI",
		Version: version,
		Flags:   serveFlags,
		Action:  serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the node (the default)",
				Flags:  serveFlags,
				Action: serve,
			},
			{
				Name:  "status",
				Usage: "Print the nexuses recorded as shared",
				Flags: []cli.Flag{configFlag},
				Action: func(cliCtx *cli.Context) error {
					return server.Status(server.Options{ConfigFile: cliCtx.String("config")}, cliCtx.App.Writer)
				},
			},
			{
				Name:  "drivers",
				Usage: "List the available bdev drivers",
				Action: func(cliCtx *cli.Context) error {
					for _, name := range bdev.DriverNames() {
						fmt.Fprintln(cliCtx.App.Writer, name)
					}
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gonexus: %v\n", err)
		os.Exit(1)
	}
}
