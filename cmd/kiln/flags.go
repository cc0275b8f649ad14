package main

import "github.com/urfave/cli/v3"

var (
	deviceName string
	configFile string
	logLevel   string
	logFormat  string
	debug      bool
	jsonOutput bool
)

func deviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "device",
			Aliases:     []string{"d"},
			Usage:       "compute device (auto, soft, webgpu)",
			Value:       "auto",
			Destination: &deviceName,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default $KILN_CONFIG or the user config dir)",
			Destination: &configFile,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:        "json",
		Usage:       "print machine readable JSON",
		Destination: &jsonOutput,
	}
}

func commonFlags(extra ...cli.Flag) []cli.Flag {
	return append(append(deviceFlags(), loggingFlags()...), extra...)
}
