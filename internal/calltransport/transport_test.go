package calltransport

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyVideoOnlyForVideo(t *testing.T) {
	var got []string
	fn := func(id string) { got = append(got, id) }

	notifyVideo(webrtc.RTPCodecTypeAudio, "a", fn)
	notifyVideo(webrtc.RTPCodecTypeVideo, "subject-1", fn)
	notifyVideo(webrtc.RTPCodecTypeVideo, "subject-1", nil)

	assert.Equal(t, []string{"subject-1"}, got)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, isTerminal(webrtc.PeerConnectionStateFailed))
	assert.True(t, isTerminal(webrtc.PeerConnectionStateClosed))
	assert.False(t, isTerminal(webrtc.PeerConnectionStateConnected))
	assert.False(t, isTerminal(webrtc.PeerConnectionStateDisconnected))
}

func TestNewPeerConnectionIsRecvOnly(t *testing.T) {
	pc, err := NewPeerConnection(nil)
	require.NoError(t, err)
	defer pc.Close()

	WatchRemoteVideo(pc, func(string) {}, nil)
	WatchDisconnect(pc, func() {})

	trs := pc.GetTransceivers()
	require.Len(t, trs, 2)
	for _, tr := range trs {
		assert.Equal(t, webrtc.RTPTransceiverDirectionRecvonly, tr.Direction())
	}
	assert.Equal(t, webrtc.RTPCodecTypeVideo, trs[0].Kind())
}
