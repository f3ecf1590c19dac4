package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/peerdial/peerdial/pkg/config"
	"github.com/peerdial/peerdial/pkg/engine"
	"github.com/peerdial/peerdial/pkg/engine/pionengine"
	"github.com/peerdial/peerdial/pkg/logger"
	"github.com/peerdial/peerdial/pkg/profile"
	"github.com/peerdial/peerdial/pkg/relay"
	"github.com/peerdial/peerdial/pkg/rtc"
	"github.com/peerdial/peerdial/pkg/signaling"
	"github.com/peerdial/peerdial/pkg/telemetry/prometheus"
	"github.com/peerdial/peerdial/pkg/utils"
)

const hangupTimeout = 2 * time.Second

func runCall(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	room := c.String("room")
	if room == "" {
		room = utils.NewGuid(utils.RoomPrefix)
	}

	prometheus.Init(utils.NewGuid(utils.NodePrefix))

	params := callParams(conf)
	manager, err := profile.NewManager(conf)
	if err != nil {
		return err
	}
	if overrides := manager.Resolve(profile.LocalDevice()); overrides != nil {
		overrides.Apply(&params)
	}

	iceServers := append([]engine.ICEServer{}, conf.ICE.Servers...)
	if conf.TURN.Enabled {
		iceServers = append(iceServers, relay.ICEServers(conf)...)
	}

	newEngine := pionengine.Factory(pionengine.Params{
		Source: pionengine.MediaSource{
			AudioFile: conf.Media.AudioFile,
			VideoFile: conf.Media.VideoFile,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if conf.Call.Loopback {
		params.Loopback = true
		return runLoopback(ctx, params, newEngine, iceServers)
	}

	call := &call{
		conf:       conf,
		room:       room,
		params:     params,
		newEngine:  newEngine,
		iceServers: iceServers,
		done:       make(chan error, 1),
	}
	return call.run(ctx)
}

func callParams(conf *config.Config) rtc.Params {
	return rtc.Params{
		VideoCallEnabled:     conf.Call.Video,
		Loopback:             conf.Call.Loopback,
		VideoWidth:           conf.Call.VideoWidth,
		VideoHeight:          conf.Call.VideoHeight,
		VideoFps:             conf.Call.VideoFps,
		VideoMaxBitrate:      conf.Call.VideoMaxBitrate,
		VideoCodec:           conf.Call.VideoCodec,
		AudioStartBitrate:    conf.Call.AudioStartBitrate,
		AudioCodec:           conf.Call.AudioCodec,
		NoAudioProcessing:    conf.Call.NoAudioProcessing,
		EnableLevelControl:   conf.Call.LevelControl,
		TranscriptPath:       conf.Call.TranscriptPath,
		StatsIntervalMs:      int(conf.Call.StatsInterval / time.Millisecond),
		DisconnectDebounceMs: int(conf.Call.DisconnectDebounce / time.Millisecond),
	}
}

// call pumps events between one signaling channel and one connection
// until either side hangs up.
type call struct {
	conf       *config.Config
	room       string
	params     rtc.Params
	newEngine  engine.NewEngineFunc
	iceServers []engine.ICEServer

	sig    *signaling.Client
	client *rtc.Client

	startedAt time.Time
	once      sync.Once
	done      chan error
}

func (c *call) run(ctx context.Context) error {
	c.sig = signaling.NewClient(signaling.ClientParams{
		ServerURL:      c.conf.Room.ServerURL,
		RoomName:       c.room,
		ConnectTimeout: c.conf.Room.ConnectTimeout,
		PingInterval:   c.conf.Room.PingInterval,
	})

	pterm.Info.Println(fmt.Sprintf("joining room %s at %s", c.room, c.conf.Room.ServerURL))
	roomParams, err := c.sig.Join(ctx)
	if err != nil {
		return err
	}
	initiator := roomParams.IsInitiator
	if initiator {
		pterm.Info.Println("waiting for a peer, share the room name to be called")
	} else {
		pterm.Info.Println("peer already waiting, answering")
	}

	c.client, err = rtc.NewClient(c.params, c.newEngine, logger.GetLogger())
	if err != nil {
		return err
	}

	c.wire(initiator)

	c.startedAt = time.Now()
	prometheus.CallStarted()
	defer prometheus.CallEnded(c.startedAt)

	if err := c.client.Open(c.iceServers); err != nil {
		c.sig.Close()
		return err
	}

	// messages the server buffered while we were absent replay here
	if err := c.sig.Connect(ctx); err != nil {
		c.hangup()
		return err
	}

	if initiator {
		c.client.CreateOffer()
	}

	var callErr error
	select {
	case callErr = <-c.done:
	case <-ctx.Done():
		pterm.Println()
		pterm.Info.Println("hanging up")
	}

	c.hangup()
	return callErr
}

// wire registers both event surfaces. Role decides how incoming
// descriptions are treated: the initiator only ever accepts answers,
// the answerer responds to the offer with one of its own.
func (c *call) wire(initiator bool) {
	c.sig.OnRemoteDescription(func(desc engine.SessionDescription) {
		prometheus.DescriptionReceived(desc.Type.String())
		pterm.Info.Println(fmt.Sprintf("received remote %s", desc.Type))
		c.client.SetRemoteDescription(desc)
		if !initiator {
			c.client.CreateAnswer()
		}
	})
	c.sig.OnRemoteCandidate(func(cand engine.IceCandidate) {
		prometheus.CandidateReceived()
		c.client.AddRemoteCandidate(cand)
	})
	c.sig.OnRemoteCandidatesRemoved(func(cands []engine.IceCandidate) {
		c.client.RemoveRemoteCandidates(cands)
	})
	c.sig.OnBye(func() {
		pterm.Info.Println("remote hung up")
		c.finish(nil)
	})
	c.sig.OnError(func(err error) {
		prometheus.NegotiationError()
		c.finish(errors.Wrap(err, "signaling failed"))
	})
	c.sig.OnClosed(func() {
		c.finish(errors.New("signaling channel closed"))
	})

	c.client.OnLocalDescription(func(desc engine.SessionDescription) {
		prometheus.DescriptionSent(desc.Type.String())
		pterm.Info.Println(fmt.Sprintf("sending local %s", desc.Type))
		if err := c.sig.SendDescription(desc); err != nil {
			c.finish(errors.Wrap(err, "could not send description"))
		}
	})
	c.client.OnLocalCandidate(func(cand engine.IceCandidate) {
		prometheus.CandidateSent()
		if err := c.sig.SendCandidate(cand); err != nil {
			logger.GetLogger().Warnw("could not send candidate", err)
		}
	})
	c.client.OnCandidatesRemoved(func(cands []engine.IceCandidate) {
		if err := c.sig.SendCandidatesRemoved(cands); err != nil {
			logger.GetLogger().Warnw("could not send removed candidates", err)
		}
	})
	c.client.OnConnected(func() {
		prometheus.RecordConnectTime(time.Since(c.startedAt))
		pterm.Success.Println(fmt.Sprintf("call connected in %v",
			time.Since(c.startedAt).Round(time.Millisecond)))
		if c.params.VideoCallEnabled && c.params.VideoMaxBitrate > 0 {
			c.client.SetVideoMaxBitrate(c.params.VideoMaxBitrate)
		}
	})
	c.client.OnDisconnected(func() {
		c.finish(errors.New("connection lost"))
	})
	c.client.OnStreamAdded(func(stream engine.MediaStream) {
		pterm.Info.Println("remote " + stream.String())
	})
	c.client.OnStreamRemoved(func(stream engine.MediaStream) {
		pterm.Info.Println("remote stream gone: " + stream.ID)
	})
	c.client.OnStatsReady(printStats)
	c.client.OnError(func(msg string) {
		prometheus.NegotiationError()
		c.finish(errors.New(msg))
	})
}

func (c *call) finish(err error) {
	c.once.Do(func() {
		c.done <- err
	})
}

// hangup mirrors the join sequence in reverse: tell the peer, release
// the room slot, then drop both the channel and the connection.
func (c *call) hangup() {
	_ = c.sig.SendBye()
	leaveCtx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	_ = c.sig.Leave(leaveCtx)
	cancel()
	c.sig.Close()
	c.client.Close()
}

// runLoopback drives both ends of a call in one process without a room
// server. Descriptions and candidates are handed across directly.
func runLoopback(ctx context.Context, params rtc.Params, newEngine engine.NewEngineFunc, iceServers []engine.ICEServer) error {
	l := logger.GetLogger()

	caller, err := rtc.NewClient(params, newEngine, l.WithName("caller"))
	if err != nil {
		return err
	}
	callee, err := rtc.NewClient(params, newEngine, l.WithName("callee"))
	if err != nil {
		return err
	}

	connected := make(chan struct{}, 2)
	failed := make(chan error, 2)

	caller.OnLocalDescription(func(desc engine.SessionDescription) {
		callee.SetRemoteDescription(desc)
		callee.CreateAnswer()
	})
	callee.OnLocalDescription(func(desc engine.SessionDescription) {
		caller.SetRemoteDescription(desc)
	})
	caller.OnLocalCandidate(func(cand engine.IceCandidate) {
		callee.AddRemoteCandidate(cand)
	})
	callee.OnLocalCandidate(func(cand engine.IceCandidate) {
		caller.AddRemoteCandidate(cand)
	})
	caller.OnCandidatesRemoved(func(cands []engine.IceCandidate) {
		callee.RemoveRemoteCandidates(cands)
	})
	callee.OnCandidatesRemoved(func(cands []engine.IceCandidate) {
		caller.RemoveRemoteCandidates(cands)
	})
	for _, client := range []*rtc.Client{caller, callee} {
		client.OnConnected(func() {
			connected <- struct{}{}
		})
		client.OnError(func(msg string) {
			failed <- errors.New(msg)
		})
	}
	caller.OnStatsReady(printStats)

	if err := caller.Open(iceServers); err != nil {
		return err
	}
	if err := callee.Open(iceServers); err != nil {
		caller.Close()
		return err
	}
	defer callee.Close()
	defer caller.Close()

	pterm.Info.Println("loopback call, press ctrl-c to hang up")
	caller.CreateOffer()

	// wait for both sides to report connected
	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < 2; i++ {
		eg.Go(func() error {
			select {
			case <-connected:
				return nil
			case err := <-failed:
				return err
			case <-egCtx.Done():
				return egCtx.Err()
			}
		})
	}
	if err := eg.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	pterm.Success.Println("loopback connected")

	select {
	case err := <-failed:
		return err
	case <-ctx.Done():
	}
	pterm.Println()
	pterm.Info.Println("hanging up")
	return nil
}

// printStats condenses a report into one line per tick. Only the RTP
// byte counters and the nominated pair's round trip time are shown.
func printStats(report engine.StatsReport) {
	parts := make([]string, 0, 4)
	for _, entry := range report {
		switch entry.Type {
		case "inbound-rtp":
			if v, ok := statBytes(entry.Values, "bytesReceived"); ok {
				parts = append(parts, fmt.Sprintf("%s in %s", entry.Values["kind"], v))
			}
		case "outbound-rtp":
			if v, ok := statBytes(entry.Values, "bytesSent"); ok {
				parts = append(parts, fmt.Sprintf("%s out %s", entry.Values["kind"], v))
			}
		case "candidate-pair":
			if entry.Values["nominated"] != "true" {
				continue
			}
			if rtt, err := strconv.ParseFloat(entry.Values["currentRoundTripTime"], 64); err == nil {
				parts = append(parts, fmt.Sprintf("rtt %.0fms", rtt*1000))
			}
		}
	}
	if len(parts) == 0 {
		return
	}
	pterm.DefaultLogger.Info(strings.Join(parts, " | "))
}

func statBytes(values map[string]string, key string) (string, bool) {
	n, err := strconv.ParseUint(values[key], 10, 64)
	if err != nil {
		return "", false
	}
	return humanize.Bytes(n), true
}
