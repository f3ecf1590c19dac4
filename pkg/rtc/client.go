package rtc

import (
	"time"

	"github.com/bep/debounce"
	"github.com/frostbyte73/core"
	"github.com/gammazero/workerpool"
	"go.uber.org/atomic"

	"github.com/peerdial/peerdial/pkg/engine"
	"github.com/peerdial/peerdial/pkg/logger"
	"github.com/peerdial/peerdial/pkg/utils"
)

// Client drives SDP negotiation for one call. All connection state lives
// behind a single ops queue; public methods enqueue work and return, and
// engine callbacks are re-enqueued onto the same queue, so the state
// machine runs strictly sequentially. Upward notifications are delivered
// in order on a separate single worker so a slow subscriber cannot stall
// negotiation.
//
// Register callbacks before calling Open.
type Client struct {
	params Params
	logger logger.Logger

	newEngine engine.NewEngineFunc

	ops       *utils.OpsQueue
	callbacks *workerpool.WorkerPool

	opened atomic.Bool
	closed core.Fuse

	// Everything below is owned by the ops queue goroutine.
	eng        engine.Engine
	state      negotiationState
	role       Role
	localDesc  *engine.SessionDescription
	localSet   bool
	remoteSet  bool
	pendingSet []descSlot
	queue      candidateQueue

	connectivity        engine.ConnectivityState
	everConnected       bool
	debouncedDisconnect func(func())

	statsStop  chan struct{}
	setupWatch *utils.Stopwatch
	transcript *transcript

	onLocalDescription  func(engine.SessionDescription)
	onLocalCandidate    func(engine.IceCandidate)
	onCandidatesRemoved func([]engine.IceCandidate)
	onConnected         func()
	onDisconnected      func()
	onStreamAdded       func(engine.MediaStream)
	onStreamRemoved     func(engine.MediaStream)
	onStatsReady        func(engine.StatsReport)
	onError             func(string)
	onClosed            func()
}

func NewClient(params Params, newEngine engine.NewEngineFunc, l logger.Logger) (*Client, error) {
	if newEngine == nil {
		return nil, ErrEngineFactoryMissing
	}
	if l == nil {
		l = logger.GetLogger()
	}
	c := &Client{
		params:    params,
		logger:    l.WithName("rtc"),
		newEngine: newEngine,
		ops:       utils.NewOpsQueue(l, "negotiation", defaultQueueSize),
		callbacks: workerpool.New(1),
	}
	if params.DisconnectDebounceMs > 0 {
		c.debouncedDisconnect = debounce.New(time.Duration(params.DisconnectDebounceMs) * time.Millisecond)
	}
	c.ops.Start()
	return c, nil
}

func (c *Client) OnLocalDescription(f func(engine.SessionDescription)) { c.onLocalDescription = f }

func (c *Client) OnLocalCandidate(f func(engine.IceCandidate)) { c.onLocalCandidate = f }

func (c *Client) OnCandidatesRemoved(f func([]engine.IceCandidate)) { c.onCandidatesRemoved = f }

func (c *Client) OnConnected(f func()) { c.onConnected = f }

func (c *Client) OnDisconnected(f func()) { c.onDisconnected = f }

func (c *Client) OnStreamAdded(f func(engine.MediaStream)) { c.onStreamAdded = f }

func (c *Client) OnStreamRemoved(f func(engine.MediaStream)) { c.onStreamRemoved = f }

func (c *Client) OnStatsReady(f func(engine.StatsReport)) { c.onStatsReady = f }

func (c *Client) OnError(f func(string)) { c.onError = f }

func (c *Client) OnClosed(f func()) { c.onClosed = f }

// Open constructs the engine connection with the transport policy fixed
// for two-party calls and attaches local media. Failures after this
// returns surface through OnError.
func (c *Client) Open(iceServers []engine.ICEServer) error {
	if c.closed.IsBroken() {
		return ErrClientClosed
	}
	if !c.opened.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}
	c.ops.Enqueue(func() { c.openInternal(iceServers) })
	return nil
}

func (c *Client) openInternal(iceServers []engine.ICEServer) {
	c.setupWatch = utils.NewStopwatch()

	cfg := engine.DefaultConfig(iceServers)
	cfg.DisableEncryption = c.params.Loopback

	eng, err := c.newEngine(cfg)
	if err != nil {
		c.reportError("Failed to create connection engine: " + err.Error())
		return
	}
	c.eng = eng
	c.state = stateIdle
	c.role = RoleNone
	c.localDesc = nil
	c.localSet = false
	c.remoteSet = false
	c.pendingSet = c.pendingSet[:0]
	c.queue.init(eng)
	c.wireEngine(eng)
	c.setupWatch.Mark("engine-created")

	if c.params.TranscriptPath != "" {
		tr, err := newTranscript(c.params.TranscriptPath)
		if err != nil {
			// diagnostics never block a call
			c.logger.Warnw("could not open negotiation transcript", err, "path", c.params.TranscriptPath)
		} else {
			c.transcript = tr
		}
	}

	spec := engine.MediaSpec{
		Audio:            true,
		AudioConstraints: c.params.audioConstraints(),
		Video:            c.params.VideoCallEnabled,
	}
	if spec.Video {
		spec.VideoWidth, spec.VideoHeight, spec.VideoFps = c.params.resolvedVideoFormat()
	}
	if err := eng.AddMedia(spec); err != nil {
		c.reportError("Failed to attach local media: " + err.Error())
		return
	}
	c.setupWatch.Mark("media-added")

	if c.params.StatsIntervalMs > 0 {
		c.startStatsLocked(time.Duration(c.params.StatsIntervalMs) * time.Millisecond)
	}
	c.logger.Infow("connection opened",
		"videoCall", c.params.VideoCallEnabled,
		"loopback", c.params.Loopback,
		"iceServers", len(iceServers),
	)
}

// wireEngine re-enqueues every engine callback onto the ops queue so the
// handlers observe and mutate state single-threaded.
func (c *Client) wireEngine(eng engine.Engine) {
	eng.OnDescriptionSynthesized(func(sd engine.SessionDescription) {
		c.ops.Enqueue(func() { c.handleSynthesized(sd) })
	})
	eng.OnSynthesisFailed(func(reason string) {
		c.reportError("createSDP error: " + reason)
	})
	eng.OnDescriptionSet(func() {
		c.ops.Enqueue(func() { c.handleDescriptionSet() })
	})
	eng.OnDescriptionSetFailed(func(reason string) {
		c.reportError("setSDP error: " + reason)
	})
	eng.OnLocalCandidate(func(cand engine.IceCandidate) {
		c.ops.Enqueue(func() { c.handleLocalCandidate(cand) })
	})
	eng.OnCandidatesRemoved(func(cands []engine.IceCandidate) {
		c.ops.Enqueue(func() { c.handleCandidatesRemoved(cands) })
	})
	eng.OnConnectivityChange(func(state engine.ConnectivityState) {
		c.ops.Enqueue(func() { c.handleConnectivityChange(state) })
	})
	eng.OnStreamAdded(func(stream engine.MediaStream) {
		c.ops.Enqueue(func() { c.handleStreamAdded(stream) })
	})
	eng.OnStreamRemoved(func(stream engine.MediaStream) {
		c.ops.Enqueue(func() { c.handleStreamRemoved(stream) })
	})
}

// CreateOffer fixes this client as the call initiator and asks the
// engine to synthesize an offer.
func (c *Client) CreateOffer() {
	c.ops.Enqueue(func() {
		if !c.engineReady() {
			return
		}
		c.logger.Debugw("creating offer")
		c.role = RoleInitiator
		c.state = stateDescriptionsPending
		c.eng.CreateOffer(c.params.offerAnswerConstraints())
	})
}

// CreateAnswer fixes this client as the answerer. Valid only after a
// remote offer has been handed to SetRemoteDescription.
func (c *Client) CreateAnswer() {
	c.ops.Enqueue(func() {
		if !c.engineReady() {
			return
		}
		c.logger.Debugw("creating answer")
		c.role = RoleAnswerer
		c.state = stateDescriptionsPending
		c.eng.CreateAnswer(c.params.offerAnswerConstraints())
	})
}

// SetRemoteDescription rewrites the peer's description to local codec
// preferences before handing it to the engine.
func (c *Client) SetRemoteDescription(sd engine.SessionDescription) {
	c.ops.Enqueue(func() {
		if !c.engineReady() {
			return
		}
		c.transcript.record("recv", sd.Type.String(), sd.SDP)
		rewritten := c.rewriteRemoteDescription(sd)
		c.logger.Debugw("setting remote description", "type", sd.Type)
		c.eng.SetRemoteDescription(rewritten)
		c.pendingSet = append(c.pendingSet, slotRemote)
	})
}

// AddRemoteCandidate buffers the candidate until both descriptions are
// in place, then forwards immediately for the rest of the call.
func (c *Client) AddRemoteCandidate(cand engine.IceCandidate) {
	c.ops.Enqueue(func() {
		if !c.engineReady() {
			return
		}
		c.transcript.record("recv", "candidate", cand.Sdp)
		c.queue.enqueueOrForward(cand)
	})
}

// RemoveRemoteCandidates drains any buffered candidates first so the
// removal cannot arrive ahead of them.
func (c *Client) RemoveRemoteCandidates(cands []engine.IceCandidate) {
	c.ops.Enqueue(func() {
		if !c.engineReady() {
			return
		}
		c.queue.remove(cands)
	})
}

// SetAudioEnabled toggles the local audio track.
func (c *Client) SetAudioEnabled(enabled bool) {
	c.ops.Enqueue(func() {
		if !c.engineReady() {
			return
		}
		c.eng.SetAudioEnabled(enabled)
	})
}

// SetVideoEnabled toggles local and remote video rendering.
func (c *Client) SetVideoEnabled(enabled bool) {
	c.ops.Enqueue(func() {
		if !c.engineReady() {
			return
		}
		c.eng.SetVideoEnabled(enabled)
	})
}

// StopVideoSource pauses capture without renegotiating, for backgrounding.
func (c *Client) StopVideoSource() {
	c.ops.Enqueue(func() {
		if !c.engineReady() {
			return
		}
		c.eng.StopVideoSource()
	})
}

// StartVideoSource resumes a paused capture.
func (c *Client) StartVideoSource() {
	c.ops.Enqueue(func() {
		if !c.engineReady() {
			return
		}
		c.eng.StartVideoSource()
	})
}

// SetVideoMaxBitrate caps the video send bitrate. Zero removes the cap.
func (c *Client) SetVideoMaxBitrate(maxBitrateKbps int) {
	c.ops.Enqueue(func() {
		if !c.engineReady() {
			return
		}
		c.logger.Debugw("requested max video bitrate", "maxBitrateKbps", maxBitrateKbps)
		c.eng.SetVideoMaxBitrate(maxBitrateKbps)
	})
}

// EnableStatsEvents starts or stops periodic statistics polling. The
// poll itself runs on the ops queue so it never races negotiation.
func (c *Client) EnableStatsEvents(enable bool, period time.Duration) {
	c.ops.Enqueue(func() {
		c.stopStatsLocked()
		if enable && period > 0 {
			c.startStatsLocked(period)
		}
	})
}

func (c *Client) startStatsLocked(period time.Duration) {
	stop := make(chan struct{})
	c.statsStop = stop
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.ops.Enqueue(c.pollStats)
			}
		}
	}()
}

func (c *Client) stopStatsLocked() {
	if c.statsStop != nil {
		close(c.statsStop)
		c.statsStop = nil
	}
}

func (c *Client) pollStats() {
	if !c.engineReady() {
		return
	}
	report, err := c.eng.GetStats()
	if err != nil {
		c.logger.Warnw("statistics collection failed", err)
		return
	}
	if cb := c.onStatsReady; cb != nil {
		c.dispatch(func() { cb(report) })
	}
}

// Close tears the connection down in a fixed order and blocks until the
// closed notification has been delivered. Safe to call more than once
// and safe to call if Open never ran or failed partway.
func (c *Client) Close() {
	c.closed.Once(func() {
		c.ops.Enqueue(c.closeInternal)
		c.ops.Stop()
		<-c.ops.Done()
		c.callbacks.StopWait()
	})
}

func (c *Client) closeInternal() {
	c.logger.Debugw("closing connection")
	if c.transcript != nil {
		if err := c.transcript.Close(); err != nil {
			c.logger.Warnw("could not close negotiation transcript", err)
		}
		c.transcript = nil
	}
	c.stopStatsLocked()
	if c.eng != nil {
		if err := c.eng.Close(); err != nil {
			c.logger.Warnw("engine close failed", err)
		}
		c.eng = nil
	}
	c.logger.Infow("connection closed")
	if cb := c.onClosed; cb != nil {
		c.dispatch(cb)
	}
}

// engineReady gates every externally triggered operation. Requests that
// arrive before open or after an error are silently dropped; they are
// expected during teardown races, not worth reporting.
func (c *Client) engineReady() bool {
	return c.eng != nil && c.state != stateError
}

// reportError logs immediately, then transitions to the absorbing error
// state on the ops queue. Only the first error is surfaced.
func (c *Client) reportError(msg string) {
	c.logger.Errorw("connection error", nil, "message", msg)
	c.ops.Enqueue(func() {
		if c.state == stateError {
			return
		}
		c.state = stateError
		c.transcript.record("error", "", msg)
		if cb := c.onError; cb != nil {
			c.dispatch(func() { cb(msg) })
		}
	})
}

func (c *Client) dispatch(f func()) {
	c.callbacks.Submit(f)
}
