// Package calltransport adapts the WebRTC media session of a call to the
// events the verification overlay reacts to.
package calltransport

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const rtpBufferSize = 1500

var rtpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtpBufferSize)
		return &b
	},
}

// NewPeerConnection builds a receive-only peer connection for the call.
func NewPeerConnection(iceURLs []string) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	cfg := webrtc.Configuration{}
	if len(iceURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceURLs}}
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}
	return pc, nil
}

// WatchRemoteVideo calls fn with the publishing participant (the track's stream id)
// each time a remote video track arrives. Incoming RTP is drained so the
// connection keeps flowing; the overlay does not decode it.
func WatchRemoteVideo(pc *webrtc.PeerConnection, fn func(participantID string), logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Debug("remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("stream_id", track.StreamID()),
		)
		go drain(track)
		notifyVideo(track.Kind(), track.StreamID(), fn)
	})
}

// WatchDisconnect calls fn once when the peer connection fails or closes.
func WatchDisconnect(pc *webrtc.PeerConnection, fn func()) {
	var once sync.Once
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if isTerminal(s) {
			once.Do(fn)
		}
	})
}

func notifyVideo(kind webrtc.RTPCodecType, streamID string, fn func(string)) {
	if kind != webrtc.RTPCodecTypeVideo || fn == nil {
		return
	}
	fn(streamID)
}

func isTerminal(s webrtc.PeerConnectionState) bool {
	return s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed
}

func drain(track *webrtc.TrackRemote) {
	ptr := rtpBufferPool.Get().(*[]byte)
	defer rtpBufferPool.Put(ptr)
	buf := *ptr
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
