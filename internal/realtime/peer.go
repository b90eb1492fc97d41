package realtime

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
)

// DataChannel is the slice of a WebRTC data channel the machine needs.
type DataChannel interface {
	OnOpen(func())
	OnMessage(func(data []byte))
	SendText(text string) error
	Close() error
}

// Peer is the slice of a peer connection the machine needs. The pion
// implementation is behind this so the connect sequence is testable
// without real ICE.
type Peer interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateDataChannel(label string) (DataChannel, error)
	// CreateOffer builds the offer, installs it as the local
	// description and blocks until ICE gathering completes.
	CreateOffer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	SignalingState() webrtc.SignalingState
	Close() error
}

// PeerFactory builds one peer connection per connect attempt.
type PeerFactory func(cfg webrtc.Configuration) (Peer, error)

// NewPionPeerFactory returns a factory backed by a shared pion API
// with Opus registered and NACK responders configured.
func NewPionPeerFactory() (PeerFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    1,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	ir := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	ir.Add(responder)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
	)

	return func(cfg webrtc.Configuration) (Peer, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}
		return &pionPeer{pc: pc}, nil
	}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) error {
	_, err := p.pc.AddTrack(track)
	return err
}

func (p *pionPeer) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &pionDataChannel{dc: dc}, nil
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	// Wait for ICE gathering so the offer carries candidates and no
	// trickle round trip is needed against the HTTP SDP endpoint.
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	<-gathered
	return *p.pc.LocalDescription(), nil
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (d *pionDataChannel) OnOpen(f func()) {
	d.dc.OnOpen(f)
}

func (d *pionDataChannel) OnMessage(f func([]byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data)
	})
}

func (d *pionDataChannel) SendText(text string) error {
	return d.dc.SendText(text)
}

func (d *pionDataChannel) Close() error {
	return d.dc.Close()
}
