package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/peerdial/peerdial/pkg/config"
	"github.com/peerdial/peerdial/pkg/logger"
	"github.com/peerdial/peerdial/pkg/relay"
	"github.com/peerdial/peerdial/pkg/sdp"
	"github.com/peerdial/peerdial/pkg/signaling"
	"github.com/peerdial/peerdial/pkg/stats"
	"github.com/peerdial/peerdial/pkg/telemetry/prometheus"
	"github.com/peerdial/peerdial/pkg/utils"
)

func runServer(c *cli.Context) error {
	memProfile := c.String("memprofile")

	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	if memProfile != "" {
		if f, err := os.Create(memProfile); err != nil {
			return err
		} else {
			defer func() {
				// run memory profile at termination
				runtime.GC()
				_ = pprof.WriteHeapProfile(f)
				_ = f.Close()
			}()
		}
	}

	prometheus.Init(utils.NewGuid(utils.NodePrefix))

	server, err := signaling.NewServer(conf, signaling.NewRegistry())
	if err != nil {
		return err
	}

	poller := stats.NewPoller(stats.DefaultInterval)
	poller.Start()
	defer poller.Stop()

	if conf.TURN.Enabled {
		turnServer, err := relay.NewServer(conf, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = turnServer.Close()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		logger.GetLogger().Infow("exit requested, shutting down", "signal", sig)
		server.Stop()
	}()

	return server.Start()
}

func runRelay(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	conf.TURN.Enabled = true
	if conf.TURN.Username == "" {
		conf.TURN.Username = "peerdial"
		conf.TURN.Password = utils.RandomSecret()
		pterm.Warning.Println("no TURN credentials configured, generated a one-off pair")
	}

	server, err := relay.NewServer(conf, nil)
	if err != nil {
		return err
	}

	pterm.Info.Println(fmt.Sprintf("TURN relay up, username %s password %s",
		conf.TURN.Username, conf.TURN.Password))
	for _, ice := range relay.ICEServers(conf) {
		for _, u := range ice.URLs {
			pterm.Println("  " + u)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	pterm.Println()
	pterm.Info.Println("shutting down")
	return server.Close()
}

func inspectDescription(c *cli.Context) error {
	data, err := os.ReadFile(c.String("file"))
	if err != nil {
		return err
	}
	text := string(data)

	if codec := c.String("audio-codec"); codec != "" {
		text = sdp.PreferCodec(text, codec, true)
	}
	if codec := c.String("video-codec"); codec != "" {
		text = sdp.PreferCodec(text, codec, false)
	}
	if kbps := c.Int("audio-bitrate"); kbps > 0 {
		text = sdp.SetStartBitrate(text, sdp.AudioCodecOpus, false, kbps)
	}
	if kbps := c.Int("video-bitrate"); kbps > 0 {
		codec := c.String("video-codec")
		if codec == "" {
			codec = sdp.VideoCodecVP8
		}
		text = sdp.SetStartBitrate(text, codec, true, kbps)
	}

	sections := sdp.Describe(text)
	if len(sections) == 0 {
		return errors.New("no media sections found")
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Media", "Proto", "PT", "Codec", "Clock Rate", "Fmtp"})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_CENTER, tablewriter.ALIGN_CENTER, tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_LEFT,
	})

	for _, section := range sections {
		payloads := section.Payloads()
		byType := make(map[string]*sdp.Payload, len(payloads))
		for _, p := range payloads {
			byType[p.Type] = p
		}

		// rows follow the m= line so codec preference is visible
		seen := map[string]bool{}
		ordered := make([]*sdp.Payload, 0, len(payloads))
		for _, format := range section.Formats {
			if p, ok := byType[format]; ok {
				ordered = append(ordered, p)
				seen[format] = true
			}
		}
		for _, p := range payloads {
			if !seen[p.Type] {
				ordered = append(ordered, p)
			}
		}

		for _, p := range ordered {
			codec := p.Name
			if codec == "" {
				codec = "?"
			}
			if p.Encoding != "" {
				codec = codec + "/" + p.Encoding
			}
			table.Append([]string{
				section.Kind,
				section.Proto,
				p.Type,
				codec,
				p.ClockRate,
				strings.Join(p.Fmtp, "\n"),
			})
		}
	}
	table.Render()

	return nil
}

func printPorts(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	udpPorts := make([]string, 0)
	tcpPorts := make([]string, 0)

	tcpPorts = append(tcpPorts, fmt.Sprintf("%d - HTTP service and signaling websocket", conf.Port))
	if conf.PrometheusPort != 0 {
		tcpPorts = append(tcpPorts, fmt.Sprintf("%d - prometheus metrics", conf.PrometheusPort))
	}

	if conf.TURN.Enabled {
		if conf.TURN.TLSPort > 0 {
			tcpPorts = append(tcpPorts, fmt.Sprintf("%d - TURN/TLS", conf.TURN.TLSPort))
			udpPorts = append(udpPorts, fmt.Sprintf("%d - TURN/DTLS", conf.TURN.TLSPort))
		}
		if conf.TURN.UDPPort > 0 {
			udpPorts = append(udpPorts, fmt.Sprintf("%d - TURN/UDP", conf.TURN.UDPPort))
		}
		udpPorts = append(udpPorts, fmt.Sprintf("%d-%d - TURN relay range",
			conf.TURN.RelayPortRangeStart, conf.TURN.RelayPortRangeEnd))
	}

	fmt.Println("TCP Ports")
	for _, p := range tcpPorts {
		fmt.Println(p)
	}

	fmt.Println("UDP Ports")
	for _, p := range udpPorts {
		fmt.Println(p)
	}
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}
