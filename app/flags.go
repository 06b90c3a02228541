package app

import (
	"github.com/urfave/cli/v2"
)

type (
	Flag       = cli.Flag
	Flags      = []Flag
	StringFlag = cli.StringFlag
	PathFlag   = cli.PathFlag
	BoolFlag   = cli.BoolFlag
)

const (
	FlagConfig  = "config"
	FlagVerbose = "verbose"
	FlagDebug   = "debug"
)

// Flags are common to every executable: an optional config file and the log
// level.
func (*App[C]) Flags() Flags {
	return Flags{
		&PathFlag{
			Name:    FlagConfig,
			Aliases: []string{"c"},
			Usage:   "yaml configuration file, flags take precedence",
		},
		&BoolFlag{
			Name:  FlagVerbose,
			Usage: "set debug log level",
		},
		&BoolFlag{
			Name:     FlagDebug,
			Usage:    "set trace log level",
			Category: "debug",
		},
	}
}
