// Package pion is the production media engine, built on pion/webrtc.
// Every link gets its own PeerConnection carrying one negotiated, ordered
// data channel and any number of local tracks.
package pion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Wyydra/yamesh/internal/config"
	"github.com/Wyydra/yamesh/internal/core/domain"
	"github.com/Wyydra/yamesh/internal/core/port"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	channelLabel = "yamesh"
	channelID    = 0

	keyframeInterval = 3 * time.Second
	rtpBufferSize    = 1500
)

var ErrUnknownTrackKind = errors.New("unknown track kind")

type options struct {
	loopback bool
	logger   zerolog.Logger
}

type Option func(*options)

// WithLoopback gathers loopback candidates, for links between processes on
// the same host.
func WithLoopback() Option {
	return func(o *options) { o.loopback = true }
}

// WithLogger sets the logger pion's internals write to.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Factory creates pion engines sharing one API and ICE configuration.
type Factory struct {
	api *webrtc.API
	rtc webrtc.Configuration
}

var _ port.EngineFactory = (*Factory)(nil)

func NewFactory(cfg config.PeerConfig, opts ...Option) (*Factory, error) {
	o := options{logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: loggerFactory{base: o.logger}}
	if o.loopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	return &Factory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		rtc: rtcConfiguration(cfg.ICEServers),
	}, nil
}

func rtcConfiguration(servers []config.ICEServer) webrtc.Configuration {
	out := webrtc.Configuration{ICEServers: make([]webrtc.ICEServer, 0, len(servers))}
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out.ICEServers = append(out.ICEServers, srv)
	}
	return out
}

func (f *Factory) NewEngine(ctx context.Context, key domain.LinkKey, events port.EngineEvents) (port.Engine, error) {
	pc, err := f.api.NewPeerConnection(f.rtc)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	ordered, negotiated := true, true
	id := uint16(channelID)
	dc, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		pc:     pc,
		dc:     dc,
		events: events,
		tracks: make(map[string]*webrtc.TrackLocalStaticSample),
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("link", key.String()).Logger(),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		init := c.ToJSON()
		events.OnICECandidate(domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
	pc.OnConnectionStateChange(e.onConnectionState)
	pc.OnTrack(e.onTrack)
	dc.OnOpen(e.onChannelOpen)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		events.OnChannelMessage(msg.Data)
	})

	return e, nil
}

// Engine wraps one PeerConnection. The connected state is only reported
// once the data channel is open as well.
type Engine struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	events port.EngineEvents
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pcState  webrtc.PeerConnectionState
	open     bool
	tracks   map[string]*webrtc.TrackLocalStaticSample
	closeErr error
	closed   bool
}

var _ port.Engine = (*Engine)(nil)

func (e *Engine) CreateOffer(_ context.Context, iceRestart bool) (domain.SessionDescription, error) {
	offer, err := e.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return fromSDP(offer), nil
}

func (e *Engine) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return fromSDP(answer), nil
}

func (e *Engine) SetLocalDescription(_ context.Context, desc domain.SessionDescription) error {
	sdp, err := toSDP(desc)
	if err != nil {
		return err
	}
	if err := e.pc.SetLocalDescription(sdp); err != nil {
		return fmt.Errorf("set local %s: %w", desc.Type, err)
	}
	return nil
}

func (e *Engine) SetRemoteDescription(_ context.Context, desc domain.SessionDescription) error {
	sdp, err := toSDP(desc)
	if err != nil {
		return err
	}
	if err := e.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	return nil
}

func (e *Engine) Rollback(context.Context) error {
	if err := e.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (e *Engine) AddICECandidate(_ context.Context, c domain.ICECandidate) error {
	err := e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
	if err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// AddTrack attaches a sample track. Media is written through LocalTrack.
func (e *Engine) AddTrack(_ context.Context, track domain.Track) error {
	codec, err := codecFor(track.Kind)
	if err != nil {
		return err
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, track.ID, track.StreamID)
	if err != nil {
		return fmt.Errorf("create %s track: %w", track.Kind, err)
	}
	sender, err := e.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind, err)
	}

	e.mu.Lock()
	e.tracks[track.ID] = local
	e.mu.Unlock()

	// Reading RTCP keeps the sender's interceptors running.
	go func() {
		buf := make([]byte, rtpBufferSize)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// LocalTrack returns the sample writer of a track added with AddTrack.
func (e *Engine) LocalTrack(id string) (*webrtc.TrackLocalStaticSample, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tracks[id]
	return t, ok
}

func (e *Engine) Channel() port.DataChannel { return channel{dc: e.dc} }

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return e.closeErr
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	err := e.pc.Close()

	e.mu.Lock()
	e.closeErr = err
	e.mu.Unlock()
	return err
}

func (e *Engine) onConnectionState(s webrtc.PeerConnectionState) {
	e.mu.Lock()
	e.pcState = s
	open := e.open
	e.mu.Unlock()

	e.log.Debug().Str("state", s.String()).Bool("channel_open", open).Msg("Peer connection state changed")
	if s == webrtc.PeerConnectionStateConnected && !open {
		return
	}
	e.events.OnConnectionStateChange(connectionState(s))
}

func (e *Engine) onChannelOpen() {
	e.mu.Lock()
	e.open = true
	connected := e.pcState == webrtc.PeerConnectionStateConnected
	e.mu.Unlock()

	e.log.Debug().Msg("Data channel open")
	if connected {
		e.events.OnConnectionStateChange(domain.ConnectionConnected)
	}
}

func (e *Engine) onTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := domain.TrackAudio
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.TrackVideo
		go e.requestKeyframes(remote)
	}
	e.log.Debug().Str("kind", string(kind)).Str("track_id", remote.ID()).Msg("Received remote track")
	e.events.OnRemoteTrack(domain.Track{ID: remote.ID(), StreamID: remote.StreamID(), Kind: kind})

	go func() {
		buf := make([]byte, rtpBufferSize)
		for {
			if _, _, err := remote.Read(buf); err != nil {
				if !errors.Is(err, io.EOF) {
					e.log.Debug().Err(err).Str("track_id", remote.ID()).Msg("Remote track ended")
				}
				return
			}
		}
	}()
}

// requestKeyframes sends a PLI right away and then periodically so a
// decoder can start on a fresh keyframe.
func (e *Engine) requestKeyframes(remote *webrtc.TrackRemote) {
	pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())}}
	_ = e.pc.WriteRTCP(pli)

	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.pc.WriteRTCP(pli); err != nil {
				return
			}
		}
	}
}

type channel struct {
	dc *webrtc.DataChannel
}

func (c channel) Send(data []byte) error { return c.dc.Send(data) }

func (c channel) BufferedAmount() uint64 { return c.dc.BufferedAmount() }

func (c channel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.dc.SetBufferedAmountLowThreshold(threshold)
}

func (c channel) OnBufferedAmountLow(f func()) {
	if f == nil {
		f = func() {}
	}
	c.dc.OnBufferedAmountLow(f)
}

func connectionState(s webrtc.PeerConnectionState) domain.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionClosed
	default:
		return domain.ConnectionNew
	}
}

func codecFor(kind domain.TrackKind) (webrtc.RTPCodecCapability, error) {
	switch kind {
	case domain.TrackAudio:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, nil
	case domain.TrackVideo:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("%w: %q", ErrUnknownTrackKind, kind)
	}
}

func toSDP(desc domain.SessionDescription) (webrtc.SessionDescription, error) {
	switch desc.Type {
	case domain.DescriptionOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc.SDP}, nil
	case domain.DescriptionAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP}, nil
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported description type %q", desc.Type)
	}
}

func fromSDP(sdp webrtc.SessionDescription) domain.SessionDescription {
	t := domain.DescriptionOffer
	if sdp.Type == webrtc.SDPTypeAnswer {
		t = domain.DescriptionAnswer
	}
	return domain.SessionDescription{Type: t, SDP: sdp.SDP}
}
