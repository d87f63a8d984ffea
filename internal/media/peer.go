package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the far side's media track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Peer is the part of a peer connection the controller drives. PionPeer
// adapts *webrtc.PeerConnection; tests substitute a fake.
type Peer interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	AddLocalTrack(track webrtc.TrackLocal) error

	OnLocalCandidate(fn func(webrtc.ICECandidateInit))
	OnRemoteTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	Close() error
}

// PeerFactory opens a new peer for one session.
type PeerFactory func() (Peer, error)

// PionPeer wraps a pion PeerConnection.
type PionPeer struct {
	pc *webrtc.PeerConnection
}

var _ Peer = (*PionPeer)(nil)

func NewPionPeer(pc *webrtc.PeerConnection) *PionPeer {
	return &PionPeer{pc: pc}
}

// PeerConnection returns the wrapped connection.
func (p *PionPeer) PeerConnection() *webrtc.PeerConnection {
	return p.pc
}

func (p *PionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *PionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *PionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *PionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *PionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *PionPeer) AddLocalTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// RTCP має читатися, інакше interceptors не обробляють NACK/REMB.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *PionPeer) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *PionPeer) OnRemoteTrack(fn func(RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (p *PionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *PionPeer) Close() error {
	return p.pc.Close()
}

// PionOptions tunes the pion API used by NewPionFactory.
type PionOptions struct {
	// IncludeLoopback lets ICE use 127.0.0.1, needed when both peers run in
	// one process (tests, the soak tool).
	IncludeLoopback bool
}

// NewPionFactory returns a PeerFactory that opens pion connections with the
// given ICE servers.
func NewPionFactory(iceServers []webrtc.ICEServer, opts PionOptions) PeerFactory {
	settingEngine := webrtc.SettingEngine{}
	if opts.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return func() (Peer, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}
		return NewPionPeer(pc), nil
	}
}
