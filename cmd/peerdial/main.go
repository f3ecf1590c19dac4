package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/peerdial/peerdial/pkg/config"
	"github.com/peerdial/peerdial/pkg/logger"
	"github.com/peerdial/peerdial/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "room",
		Usage: "room name to join, a random one is generated when omitted",
	},
	&cli.StringFlag{
		Name:    "url",
		Usage:   "room server url to dial through",
		EnvVars: []string{"PEERDIAL_URL"},
	},
	&cli.BoolFlag{
		Name:  "video",
		Usage: "place a video call instead of audio only",
	},
	&cli.BoolFlag{
		Name:  "loopback",
		Usage: "loop the call back in-process, without a room server",
	},
	&cli.StringFlag{
		Name:  "audio-file",
		Usage: "ogg file with an opus track, replayed as the microphone",
	},
	&cli.StringFlag{
		Name:  "video-file",
		Usage: "ivf file with a vp8 track, replayed as the camera",
	},
	&cli.StringFlag{
		Name:  "transcript",
		Usage: "write a negotiation transcript to `file`",
	},
	&cli.StringSliceFlag{
		Name:  "bind",
		Usage: "IP address for the room server to listen on, use flag multiple times to specify multiple addresses",
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to PeerDial config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "PeerDial config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"PEERDIAL_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "turn-cert",
		Usage:   "tls cert file for TURN server",
		EnvVars: []string{"PEERDIAL_TURN_CERT"},
	},
	&cli.StringFlag{
		Name:    "turn-key",
		Usage:   "tls key file for TURN server",
		EnvVars: []string{"PEERDIAL_TURN_KEY"},
	},
	// debugging flags
	&cli.StringFlag{
		Name:  "memprofile",
		Usage: "write memory profile to `file`",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug, console formatter. insecure for production",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "peerdial",
		Usage:       "two-party WebRTC calls from the command line",
		Description: "run without subcommands to place a call",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      runCall,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the room server that pairs callers and relays signaling",
				Action: runServer,
			},
			{
				Name:   "relay",
				Usage:  "run a standalone TURN relay",
				Action: runRelay,
			},
			{
				Name:   "inspect",
				Usage:  "summarize the media sections of a session description",
				Action: inspectDescription,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Usage:    "file holding the raw description text",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "audio-codec",
						Usage: "preview the description with this audio codec preferred",
					},
					&cli.StringFlag{
						Name:  "video-codec",
						Usage: "preview the description with this video codec preferred",
					},
					&cli.IntFlag{
						Name:  "audio-bitrate",
						Usage: "preview the description with this opus start bitrate, in kbps",
					},
					&cli.IntFlag{
						Name:  "video-bitrate",
						Usage: "preview the description with this video start bitrate, in kbps",
					},
				},
			},
			{
				Name:   "ports",
				Usage:  "print ports that server is configured to use",
				Action: printPorts,
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	if conf.Development {
		conf.Logging.Development = true
	}
	logger.InitFromConfig(conf.Logging)

	if c.String("config") == "" && c.String("config-body") == "" && conf.Development {
		logger.GetLogger().Infow("starting in development mode")
		// when running everything on one machine, bind to localhost by default
		if conf.BindAddresses == nil {
			conf.BindAddresses = []string{
				"127.0.0.1",
				"[::1]",
			}
		}
	}
	return conf, nil
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
