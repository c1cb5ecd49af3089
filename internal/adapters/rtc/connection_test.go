package rtc

import (
	"testing"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/speechgate/internal/core"
)

func TestHasSendingVideo(t *testing.T) {
	build := func(attr string) *sdp.SessionDescription {
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{Media: "video", Port: sdp.RangedPort{Value: 9}},
		}
		if attr != "" {
			md.WithPropertyAttribute(attr)
		}
		return &sdp.SessionDescription{MediaDescriptions: []*sdp.MediaDescription{md}}
	}

	assert.True(t, hasSendingVideo(build(sdp.AttrKeySendOnly)))
	assert.True(t, hasSendingVideo(build("")))
	assert.False(t, hasSendingVideo(build(sdp.AttrKeyRecvOnly)))
	assert.False(t, hasSendingVideo(build(sdp.AttrKeyInactive)))
	assert.False(t, hasSendingVideo(&sdp.SessionDescription{}))
}

func TestOfferAnswerBetweenConnections(t *testing.T) {
	f, err := NewFactory(Config{}, MediaDefaults{}, nil, nil)
	require.NoError(t, err)
	defer f.Dispose()

	pubConn, err := f.NewConnection("publisher")
	require.NoError(t, err)
	subConn, err := f.NewConnection("subscriber")
	require.NoError(t, err)
	assert.Equal(t, 2, f.Open())

	offers := make(chan core.LocalDescription, 4)
	answers := make(chan core.LocalDescription, 4)
	pubConn.OnLocalDescription(func(ld core.LocalDescription) { offers <- ld })
	subConn.OnLocalDescription(func(ld core.LocalDescription) { answers <- ld })

	pubConn.Setup(webrtc.RTPTransceiverDirectionSendonly, webrtc.RTPTransceiverDirectionSendonly, webrtc.RTPTransceiverDirectionInactive)

	var offer core.LocalDescription
	select {
	case offer = <-offers:
	case <-time.After(5 * time.Second):
		t.Fatal("no local offer")
	}
	assert.Equal(t, webrtc.SDPTypeOffer, offer.SDP.Type)
	names := make([]string, 0, len(offer.Streams))
	for _, s := range offer.Streams {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{TrackMicrophone, TrackCamera}, names)

	subConn.SetSessionDescription(offer.SDP)
	select {
	case answer := <-answers:
		assert.Equal(t, webrtc.SDPTypeAnswer, answer.SDP.Type)
		assert.Empty(t, answer.Streams)
	case <-time.After(5 * time.Second):
		t.Fatal("no local answer")
	}
	assert.True(t, subConn.IsReceivingVideo())

	pubConn.Close()
	require.Eventually(t, func() bool { return f.Open() == 1 }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, pubConn.SendData([]byte("x")), ErrClosed)
}
