package signaling

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/peerdial/peerdial/pkg/engine"
)

// Signaling payload types exchanged between peers through the relay.
const (
	MessageTypeOffer            = "offer"
	MessageTypeAnswer           = "answer"
	MessageTypeCandidate        = "candidate"
	MessageTypeRemoveCandidates = "remove-candidates"
	MessageTypeBye              = "bye"
)

// Channel commands between a client and the relay.
const (
	commandRegister = "register"
	commandSend     = "send"
)

// Join results.
const (
	ResultSuccess        = "SUCCESS"
	ResultFull           = "FULL"
	ResultOutdatedClient = "OUTDATED_CLIENT"
	ResultError          = "ERROR"
)

type JoinRequest struct {
	ClientVersion string `json:"client_version,omitempty"`
}

type JoinResponse struct {
	Result string      `json:"result"`
	Params *RoomParams `json:"params,omitempty"`
}

// RoomParams comes back from a successful join. The first client into a
// room is the initiator. Messages carries payloads buffered before this
// client joined, if the server chooses to deliver them here instead of
// over the channel.
type RoomParams struct {
	RoomID      string   `json:"room_id"`
	ClientID    string   `json:"client_id"`
	IsInitiator bool     `json:"is_initiator,string"`
	Messages    []string `json:"messages,omitempty"`
}

// command is the channel frame. register announces the client, send
// relays an opaque payload to the other client in the room.
type command struct {
	Cmd      string `json:"cmd"`
	RoomID   string `json:"roomid,omitempty"`
	ClientID string `json:"clientid,omitempty"`
	Msg      string `json:"msg,omitempty"`
}

type channelResponse struct {
	Msg   string `json:"msg,omitempty"`
	Error string `json:"error,omitempty"`
}

// Message is the receive-side superset of every signaling payload.
// Senders marshal per-type structs so each payload only carries its own
// fields.
type Message struct {
	Type       string          `json:"type"`
	SDP        string          `json:"sdp,omitempty"`
	Label      int             `json:"label,omitempty"`
	ID         string          `json:"id,omitempty"`
	Candidate  string          `json:"candidate,omitempty"`
	Candidates []CandidateInit `json:"candidates,omitempty"`
}

type CandidateInit struct {
	Label     int    `json:"label"`
	ID        string `json:"id"`
	Candidate string `json:"candidate"`
}

type descriptionMessage struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidateMessage struct {
	Type      string `json:"type"`
	Label     int    `json:"label"`
	ID        string `json:"id"`
	Candidate string `json:"candidate"`
}

type removeCandidatesMessage struct {
	Type       string          `json:"type"`
	Candidates []CandidateInit `json:"candidates"`
}

type byeMessage struct {
	Type string `json:"type"`
}

func marshalDescription(desc engine.SessionDescription) ([]byte, error) {
	return json.Marshal(descriptionMessage{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	})
}

func marshalCandidate(cand engine.IceCandidate) ([]byte, error) {
	return json.Marshal(candidateMessage{
		Type:      MessageTypeCandidate,
		Label:     cand.SdpMLineIndex,
		ID:        cand.SdpMid,
		Candidate: cand.Sdp,
	})
}

func marshalRemoveCandidates(cands []engine.IceCandidate) ([]byte, error) {
	removed := make([]CandidateInit, 0, len(cands))
	for _, cand := range cands {
		removed = append(removed, CandidateInit{
			Label:     cand.SdpMLineIndex,
			ID:        cand.SdpMid,
			Candidate: cand.Sdp,
		})
	}
	return json.Marshal(removeCandidatesMessage{
		Type:       MessageTypeRemoveCandidates,
		Candidates: removed,
	})
}

func marshalBye() ([]byte, error) {
	return json.Marshal(byeMessage{Type: MessageTypeBye})
}

// RemoteDescription converts an offer or answer payload.
func (m *Message) RemoteDescription() (engine.SessionDescription, error) {
	sdpType, err := engine.SDPTypeFromString(m.Type)
	if err != nil {
		return engine.SessionDescription{}, err
	}
	if m.SDP == "" {
		return engine.SessionDescription{}, errors.Errorf("%s payload without sdp", m.Type)
	}
	return engine.SessionDescription{Type: sdpType, SDP: m.SDP}, nil
}

// RemoteCandidate converts a candidate payload.
func (m *Message) RemoteCandidate() engine.IceCandidate {
	return engine.IceCandidate{
		SdpMid:        m.ID,
		SdpMLineIndex: m.Label,
		Sdp:           m.Candidate,
	}
}

// RemovedCandidates converts a remove-candidates payload.
func (m *Message) RemovedCandidates() []engine.IceCandidate {
	cands := make([]engine.IceCandidate, 0, len(m.Candidates))
	for _, c := range m.Candidates {
		cands = append(cands, engine.IceCandidate{
			SdpMid:        c.ID,
			SdpMLineIndex: c.Label,
			Sdp:           c.Candidate,
		})
	}
	return cands
}
