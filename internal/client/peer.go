package client

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	apperrors "github.com/gramsetu/signal-server-go/internal/errors"
)

// MediaSource supplies the local tracks attached to a peer connection.
// Implementations wrap whatever capture pipeline the platform has; tests
// and audio-only deployments can use SilentSource.
type MediaSource interface {
	Tracks() ([]webrtc.TrackLocal, error)
	Close() error
}

// Peer is the controller's view of a WebRTC peer connection.
type Peer interface {
	// CreateOffer attaches local tracks and returns the local offer SDP.
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer applies the remote offer and returns the answer SDP.
	AcceptOffer(ctx context.Context, offer string) (string, error)
	// AcceptAnswer applies the remote answer on the offering side.
	AcceptAnswer(answer string) error
	// AddRemoteCandidate feeds a trickled remote candidate. Candidates
	// arriving before the remote description are buffered and applied
	// once it is set.
	AddRemoteCandidate(candidate string) error
	// OnLocalCandidate registers the sink for locally gathered candidates.
	OnLocalCandidate(fn func(candidate string))

	ToggleAudio() bool
	ToggleVideo() bool

	Close() error
}

// PeerFactory builds a Peer around an acquired media source. Split out so
// the controller can be exercised without a real PeerConnection.
type PeerFactory func(source MediaSource) (Peer, error)

var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// WebRTCPeer wraps a pion PeerConnection for one call.
type WebRTCPeer struct {
	pc     *webrtc.PeerConnection
	source MediaSource

	mu        sync.Mutex
	remoteSet bool
	pending   []string
	audioOff  bool
	videoOff  bool

	closeOnce sync.Once
}

// NewWebRTCPeer builds a peer connection with the default codecs and the
// source's tracks attached.
func NewWebRTCPeer(source MediaSource) (Peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: defaultICEServers,
	})
	if err != nil {
		return nil, err
	}

	tracks, err := source.Tracks()
	if err != nil {
		pc.Close()
		return nil, apperrors.MediaAcquisitionFailed(err.Error())
	}
	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, err
		}
	}

	return &WebRTCPeer{pc: pc, source: source}, nil
}

func (p *WebRTCPeer) OnLocalCandidate(fn func(candidate string)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON().Candidate)
	})
}

func (p *WebRTCPeer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (p *WebRTCPeer) AcceptOffer(ctx context.Context, offer string) (string, error) {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	})
	if err != nil {
		return "", err
	}
	p.flushPending()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (p *WebRTCPeer) AcceptAnswer(answer string) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	})
	if err != nil {
		return err
	}
	p.flushPending()
	return nil
}

func (p *WebRTCPeer) AddRemoteCandidate(candidate string) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

func (p *WebRTCPeer) flushPending() {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, candidate := range pending {
		_ = p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

// ToggleAudio flips the local mute flag and reports whether audio is now
// muted. The capture pipeline consults the flag on its write path.
func (p *WebRTCPeer) ToggleAudio() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audioOff = !p.audioOff
	return p.audioOff
}

func (p *WebRTCPeer) ToggleVideo() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.videoOff = !p.videoOff
	return p.videoOff
}

func (p *WebRTCPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.source.Close()
		err = p.pc.Close()
	})
	return err
}

// SilentSource provides send-capable but silent audio and video tracks,
// enough to negotiate media without capture hardware.
type SilentSource struct {
	video bool
}

func NewSilentSource(withVideo bool) *SilentSource {
	return &SilentSource{video: withVideo}
}

func (s *SilentSource) Tracks() ([]webrtc.TrackLocal, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "local",
	)
	if err != nil {
		return nil, err
	}
	tracks := []webrtc.TrackLocal{audio}

	if s.video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "local",
		)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, video)
	}

	return tracks, nil
}

func (s *SilentSource) Close() error { return nil }
