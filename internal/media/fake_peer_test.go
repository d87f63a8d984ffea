package media_test

import (
	"errors"
	"sync"

	"randomtalk/backend/internal/media"

	"github.com/pion/webrtc/v4"
)

type fakePeer struct {
	name string

	mu             sync.Mutex
	local          *webrtc.SessionDescription
	remote         *webrtc.SessionDescription
	setRemoteCalls int
	candidates     []webrtc.ICECandidateInit
	earlyCandidate bool
	tracks         []webrtc.TrackLocal
	closeCalls     int
	closeErr       error
	failCreate     bool

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(media.RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
}

func newFakePeer(name string) *fakePeer {
	return &fakePeer{name: name}
}

func (p *fakePeer) factory() media.PeerFactory {
	return func() (media.Peer, error) { return p, nil }
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	if p.failCreate {
		return webrtc.SessionDescription{}, errors.New("create failed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + p.name}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + p.name}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &desc
	p.setRemoteCalls++
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		p.earlyCandidate = true
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) AddLocalTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil
}

func (p *fakePeer) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) { p.onCandidate = fn }
func (p *fakePeer) OnRemoteTrack(fn func(media.RemoteTrack))          { p.onTrack = fn }
func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.onState = fn
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls++
	return p.closeErr
}

func (p *fakePeer) remoteCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

type fakeTrack struct{ id string }

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) StreamID() string          { return "stream-" + t.id }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

type recordingSink struct {
	mu       sync.Mutex
	attached []string
	detaches int
	detachErr error
}

func (s *recordingSink) Attach(track media.RemoteTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = append(s.attached, track.ID())
	return nil
}

func (s *recordingSink) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detaches++
	return s.detachErr
}
