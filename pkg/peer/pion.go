package peer

import (
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/tevino/abool"
)

// PionConnection adapts a pion/webrtc PeerConnection to the Connection
// seam.
type PionConnection struct {
	pc     *webrtc.PeerConnection
	closed *abool.AtomicBool
}

var _ Connection = (*PionConnection)(nil)

// NewPionConnection creates a pion peer connection configured with the
// given ICE servers. It satisfies the Factory signature.
func NewPionConnection(iceServers []ICEServer) (Connection, error) {
	var servers []webrtc.ICEServer
	for _, s := range iceServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, errors.Wrap(err, "failed to new peer connection")
	}
	return &PionConnection{pc: pc, closed: abool.New()}, nil
}

func (c *PionConnection) OnICECandidate(f func(ICECandidate)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// End-of-candidates marker; nothing to forward.
			return
		}
		j := candidate.ToJSON()
		f(ICECandidate{
			Candidate:     j.Candidate,
			SDPMid:        j.SDPMid,
			SDPMLineIndex: j.SDPMLineIndex,
		})
	})
}

func (c *PionConnection) OnDataChannel(f func(DataChannel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(&pionDataChannel{dc: dc, closed: abool.New()})
	})
}

func (c *PionConnection) OnStateChange(f func(ConnectionState)) {
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		f(mapPeerState(state))
	})
}

func (c *PionConnection) CreateDataChannel(label string, ordered bool, maxRetransmits *uint16) (DataChannel, error) {
	init := &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: maxRetransmits,
	}
	dc, err := c.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create data channel %q", label)
	}
	return &pionDataChannel{dc: dc, closed: abool.New()}, nil
}

func (c *PionConnection) CreateOffer() (Description, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, errors.Wrap(err, "failed to create offer")
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return Description{}, errors.Wrap(err, "failed to set local description")
	}
	return Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *PionConnection) SetRemoteAnswer(desc Description) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return errors.Wrap(err, "failed to set remote description")
	}
	return nil
}

func (c *PionConnection) AddICECandidate(candidate ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return errors.Wrap(err, "failed to add ice candidate")
	}
	return nil
}

func (c *PionConnection) Close() error {
	if !c.closed.SetToIf(false, true) {
		return nil
	}
	return c.pc.Close()
}

func mapPeerState(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	}
	return StateNew
}

type pionDataChannel struct {
	dc     *webrtc.DataChannel
	closed *abool.AtomicBool
}

var _ DataChannel = (*pionDataChannel)(nil)

func (d *pionDataChannel) Label() string {
	return d.dc.Label()
}

func (d *pionDataChannel) IsOpen() bool {
	return d.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (d *pionDataChannel) OnOpen(f func()) {
	d.dc.OnOpen(f)
}

func (d *pionDataChannel) OnMessage(f func(data []byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data)
	})
}

func (d *pionDataChannel) OnClose(f func()) {
	d.dc.OnClose(f)
}

func (d *pionDataChannel) SendText(s string) error {
	return d.dc.SendText(s)
}

func (d *pionDataChannel) Send(data []byte) error {
	return d.dc.Send(data)
}

func (d *pionDataChannel) Close() error {
	if !d.closed.SetToIf(false, true) {
		return nil
	}
	return d.dc.Close()
}
