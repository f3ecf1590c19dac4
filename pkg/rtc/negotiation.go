package rtc

import (
	"github.com/peerdial/peerdial/pkg/engine"
	"github.com/peerdial/peerdial/pkg/sdp"
)

// Role is fixed the moment offer or answer synthesis is requested and
// selects the branch taken on description-set success.
type Role int

const (
	RoleNone Role = iota
	RoleInitiator
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleAnswerer:
		return "answerer"
	default:
		return "none"
	}
}

// negotiationState tracks one offer/answer round. stateError absorbs:
// once entered, every later operation is a no-op until the client is
// torn down and a new one constructed.
type negotiationState int

const (
	stateIdle negotiationState = iota
	stateDescriptionsPending
	stateLocalSet
	stateComplete
	stateError
)

func (s negotiationState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateDescriptionsPending:
		return "descriptions-pending"
	case stateLocalSet:
		return "local-set"
	case stateComplete:
		return "complete"
	case stateError:
		return "error"
	default:
		return "unknown"
	}
}

// descSlot identifies which description a set request was for. The
// engine's set-success callback carries no discriminator, so requests
// are attributed in issue order.
type descSlot int

const (
	slotLocal descSlot = iota
	slotRemote
)

// handleSynthesized runs when the engine finishes creating an offer or
// answer. The description is rewritten to codec preferences, stored,
// and applied as the local description. A second synthesis in the same
// connection lifetime is a protocol violation.
func (c *Client) handleSynthesized(sd engine.SessionDescription) {
	if c.localDesc != nil {
		c.reportError("Multiple SDP create.")
		return
	}
	body := sd.SDP
	if c.params.preferIsac() {
		body = sdp.PreferCodec(body, sdp.AudioCodecISAC, true)
	}
	if c.params.VideoCallEnabled {
		body = sdp.PreferCodec(body, c.params.preferredVideoCodec(), false)
	}
	local := engine.SessionDescription{Type: sd.Type, SDP: body}
	c.localDesc = &local
	if c.engineReady() {
		c.logger.Debugw("setting local description", "type", local.Type)
		c.eng.SetLocalDescription(local)
		c.pendingSet = append(c.pendingSet, slotLocal)
	}
}

// rewriteRemoteDescription applies the same codec preferences to the
// peer's description, plus the audio start bitrate when configured. The
// bitrate always targets opus; an ISAC preference does not move it.
func (c *Client) rewriteRemoteDescription(sd engine.SessionDescription) engine.SessionDescription {
	body := sd.SDP
	if c.params.preferIsac() {
		body = sdp.PreferCodec(body, sdp.AudioCodecISAC, true)
	}
	if c.params.VideoCallEnabled {
		body = sdp.PreferCodec(body, c.params.preferredVideoCodec(), false)
	}
	if c.params.AudioStartBitrate > 0 {
		body = sdp.SetStartBitrate(body, sdp.AudioCodecOpus, false, c.params.AudioStartBitrate)
	}
	return engine.SessionDescription{Type: sd.Type, SDP: body}
}

// handleDescriptionSet is the unified set-success handler. Which
// description was just set is recovered from the request FIFO, then the
// role decides what happens next:
//
//	initiator, remote not yet set: the offer is applied locally, emit it
//	initiator, remote set: the answer round-trip is done, drain candidates
//	answerer, local set: emit the answer and drain in the same step
//	answerer, local not yet set: remote offer applied, wait for synthesis
func (c *Client) handleDescriptionSet() {
	if !c.engineReady() {
		return
	}
	if len(c.pendingSet) == 0 {
		c.logger.Warnw("description set confirmed with no pending request", nil)
		return
	}
	slot := c.pendingSet[0]
	c.pendingSet = c.pendingSet[1:]
	switch slot {
	case slotLocal:
		c.localSet = true
		c.logger.Debugw("local description set")
	case slotRemote:
		c.remoteSet = true
		c.logger.Debugw("remote description set")
	}

	switch c.role {
	case RoleInitiator:
		if !c.remoteSet {
			c.emitLocalDescription()
			c.state = stateLocalSet
		} else {
			c.queue.drain()
			c.state = stateComplete
			c.logger.Debugw("negotiation complete", "role", c.role)
		}
	default:
		// RoleAnswerer, or RoleNone when the remote offer leads
		if c.localSet {
			c.emitLocalDescription()
			c.queue.drain()
			c.state = stateComplete
			c.logger.Debugw("negotiation complete", "role", c.role)
		} else {
			c.logger.Debugw("waiting for answer synthesis")
		}
	}
}

func (c *Client) emitLocalDescription() {
	if c.localDesc == nil {
		return
	}
	local := *c.localDesc
	c.transcript.record("send", local.Type.String(), local.SDP)
	c.logger.Infow("local description ready", "type", local.Type)
	if cb := c.onLocalDescription; cb != nil {
		c.dispatch(func() { cb(local) })
	}
}

func (c *Client) handleLocalCandidate(cand engine.IceCandidate) {
	c.transcript.record("send", "candidate", cand.Sdp)
	if cb := c.onLocalCandidate; cb != nil {
		c.dispatch(func() { cb(cand) })
	}
}

func (c *Client) handleCandidatesRemoved(cands []engine.IceCandidate) {
	if cb := c.onCandidatesRemoved; cb != nil {
		c.dispatch(func() { cb(cands) })
	}
}

func (c *Client) handleConnectivityChange(state engine.ConnectivityState) {
	c.logger.Debugw("connectivity changed", "state", state)
	c.connectivity = state
	switch state {
	case engine.ConnectivityConnected:
		if !c.everConnected {
			c.everConnected = true
			if c.setupWatch != nil {
				c.setupWatch.Mark("connected")
				c.logger.Infow("call connected",
					"elapsed", c.setupWatch.Total(),
					"splits", c.setupWatch.Splits(),
				)
			}
		}
		if cb := c.onConnected; cb != nil {
			c.dispatch(cb)
		}
	case engine.ConnectivityDisconnected:
		c.notifyDisconnected()
	case engine.ConnectivityFailed:
		c.reportError("ICE connection failed.")
	}
}

// notifyDisconnected holds the notification back for the configured
// window so a drop that reconnects in time stays quiet. The recheck runs
// on the ops queue against the connectivity seen at fire time.
func (c *Client) notifyDisconnected() {
	cb := c.onDisconnected
	if cb == nil {
		return
	}
	if c.debouncedDisconnect == nil {
		c.dispatch(cb)
		return
	}
	c.debouncedDisconnect(func() {
		c.ops.Enqueue(func() {
			if c.connectivity == engine.ConnectivityDisconnected {
				c.dispatch(cb)
			}
		})
	})
}

// handleStreamAdded rejects streams that do not look like a two-party
// call before surfacing them.
func (c *Client) handleStreamAdded(stream engine.MediaStream) {
	if !c.engineReady() {
		return
	}
	if stream.AudioTracks > 1 || stream.VideoTracks > 1 {
		c.reportError("Weird-looking stream: " + stream.String())
		return
	}
	c.logger.Debugw("remote stream added",
		"stream", stream.ID,
		"audioTracks", stream.AudioTracks,
		"videoTracks", stream.VideoTracks,
	)
	if cb := c.onStreamAdded; cb != nil {
		c.dispatch(func() { cb(stream) })
	}
}

func (c *Client) handleStreamRemoved(stream engine.MediaStream) {
	c.logger.Debugw("remote stream removed", "stream", stream.ID)
	if cb := c.onStreamRemoved; cb != nil {
		c.dispatch(func() { cb(stream) })
	}
}
