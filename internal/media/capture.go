// Package media acquires the local microphone and camera through
// pion/mediadevices and forwards their encoded RTP into the peer
// connection's outbound tracks. Mute and camera switches happen at this
// layer, below the SDP handshake, so neither ever triggers renegotiation.
package media

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

const rtpMTU = 1200

// Source builds capture streams with a fixed codec configuration: VP8 for
// video, Opus at 20ms frames for audio.
type Source struct {
	logger   *zap.Logger
	selector *mediadevices.CodecSelector
}

// NewSource configures the encoders once; the selector is reused for every
// capture, including camera switches mid-call.
func NewSource() (*Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: create VP8 params: %w", err)
	}
	vpxParams.BitRate = 600_000
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = time.Millisecond * 200

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: create Opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	return &Source{
		logger: zap.L().Named("media"),
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Capture opens the microphone, and the camera when video is requested. A
// camera failure degrades to audio-only rather than aborting; a microphone
// failure is fatal because a call without audio is useless.
func (s *Source) Capture(ctx context.Context, video bool) (*Stream, error) {
	cameraID := ""
	if video {
		cameraID = pickCamera("")
	}

	ms, err := s.getUserMedia(cameraID, video)
	if err != nil && video {
		s.logger.Warn("video capture unavailable, falling back to audio only", zap.Error(err))
		video = false
		ms, err = s.getUserMedia("", false)
	}
	if err != nil {
		return nil, fmt.Errorf("media: acquire capture devices: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	return &Stream{
		logger:   s.logger,
		source:   s,
		media:    ms,
		video:    video,
		cameraID: cameraID,
		ctx:      streamCtx,
		cancel:   cancel,
	}, nil
}

func (s *Source) getUserMedia(cameraID string, video bool) (mediadevices.MediaStream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
			c.IsFloat = prop.BoolExact(false)
			c.IsBigEndian = prop.BoolExact(false)
			c.IsInterleaved = prop.BoolExact(true)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: s.selector,
	}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			if cameraID != "" {
				c.DeviceID = prop.String(cameraID)
			}
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
			c.FrameRate = prop.Float(30)
			c.FrameFormat = prop.FrameFormat(frame.FormatYUY2)
		}
	}
	return mediadevices.GetUserMedia(constraints)
}

// getVideoOnly reopens just the camera, for switching devices mid-call.
func (s *Source) getVideoOnly(cameraID string) (mediadevices.MediaStream, error) {
	return mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(cameraID)
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
			c.FrameRate = prop.Float(30)
			c.FrameFormat = prop.FrameFormat(frame.FormatYUY2)
		},
		Codec: s.selector,
	})
}

// pickCamera chooses a capture device. With an empty exclude it prefers a
// front-facing camera; otherwise it returns any camera other than exclude,
// which is how SwitchCamera cycles devices.
func pickCamera(exclude string) string {
	devices := mediadevices.EnumerateDevices()

	var fallback string
	for _, d := range devices {
		if d.Kind != mediadevices.VideoInput || d.DeviceID == exclude {
			continue
		}
		if exclude == "" && strings.Contains(strings.ToLower(d.Label), "front") {
			return d.DeviceID
		}
		if fallback == "" {
			fallback = d.DeviceID
		}
	}
	return fallback
}

// Stream is one acquired capture session. It owns the mediadevices tracks and
// the forwarding goroutines; the outbound TrackLocalStaticRTP tracks belong
// to the peer connection and survive camera switches.
type Stream struct {
	logger   *zap.Logger
	source   *Source
	video    bool
	ctx      context.Context
	cancel   context.CancelFunc
	audioOff atomic.Bool
	videoOff atomic.Bool

	mu        sync.Mutex
	media     mediadevices.MediaStream
	cameraID  string
	audioOut  *webrtc.TrackLocalStaticRTP
	videoOut  *webrtc.TrackLocalStaticRTP
	videoSSRC uint32
	videoStop chan struct{}
	attached  bool
	closed    bool
}

// AttachTo creates the outbound tracks on pc and starts forwarding encoded
// packets into them. Must be called once, before the offer or answer that
// will advertise the tracks is created.
func (st *Stream) AttachTo(pc *webrtc.PeerConnection) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.attached {
		return fmt.Errorf("media: stream already attached")
	}

	audioOut, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    1,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, "audio", "callcore-audio")
	if err != nil {
		return fmt.Errorf("media: create audio track: %w", err)
	}

	audioSender, err := pc.AddTrack(audioOut)
	if err != nil {
		return fmt.Errorf("media: add audio track: %w", err)
	}
	st.audioOut = audioOut
	go st.drainRTCP(audioSender)

	audioSSRC, err := senderSSRC(audioSender)
	if err != nil {
		return fmt.Errorf("media: audio %w", err)
	}
	for _, track := range st.media.GetAudioTracks() {
		go st.forward(track, audioOut, audioSSRC, &st.audioOff, st.ctx.Done())
	}

	if !st.video {
		st.attached = true
		return nil
	}

	videoOut, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, "video", "callcore-video")
	if err != nil {
		return fmt.Errorf("media: create video track: %w", err)
	}

	videoSender, err := pc.AddTrack(videoOut)
	if err != nil {
		return fmt.Errorf("media: add video track: %w", err)
	}
	st.videoOut = videoOut
	go st.drainRTCP(videoSender)

	videoSSRC, err := senderSSRC(videoSender)
	if err != nil {
		return fmt.Errorf("media: video %w", err)
	}
	st.videoSSRC = videoSSRC
	st.videoStop = make(chan struct{})
	for _, track := range st.media.GetVideoTracks() {
		go st.forward(track, videoOut, videoSSRC, &st.videoOff, st.videoStop)
	}

	st.attached = true
	return nil
}

func senderSSRC(sender *webrtc.RTPSender) (uint32, error) {
	params := sender.GetParameters()
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return 0, fmt.Errorf("sender has no SSRC")
	}
	return uint32(params.Encodings[0].SSRC), nil
}

// drainRTCP consumes the sender's feedback stream so interceptors keep
// running. The reports themselves are not inspected.
func (st *Stream) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// forward pumps encoded RTP from a capture track into its outbound track.
// When the mute flag is set the packets are still read and released, keeping
// the encoder pipeline hot, but nothing is written to the wire.
func (st *Stream) forward(track mediadevices.Track, out *webrtc.TrackLocalStaticRTP, ssrc uint32, off *atomic.Bool, stop <-chan struct{}) {
	kind := out.Kind().String()

	reader, err := track.NewRTPReader(out.Codec().MimeType, ssrc, rtpMTU)
	if err != nil {
		st.logger.Error("create rtp reader", zap.String("kind", kind), zap.Error(err))
		return
	}
	defer reader.Close()

	for {
		select {
		case <-st.ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		packets, release, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				st.logger.Debug("capture track ended", zap.String("kind", kind))
				return
			}
			st.logger.Warn("read rtp", zap.String("kind", kind), zap.Error(err))
			continue
		}

		if !off.Load() {
			for _, packet := range packets {
				if err := out.WriteRTP(packet); err != nil {
					if strings.Contains(err.Error(), "closed") {
						release()
						return
					}
					st.logger.Warn("write rtp", zap.String("kind", kind), zap.Error(err))
				}
			}
		}
		release()
	}
}

// SetAudioEnabled gates outbound audio. The track and its negotiated
// description are untouched, so unmute takes effect on the next packet.
func (st *Stream) SetAudioEnabled(enabled bool) {
	st.audioOff.Store(!enabled)
	st.logger.Info("audio enabled", zap.Bool("enabled", enabled))
}

// SetVideoEnabled gates outbound video; same contract as SetAudioEnabled.
func (st *Stream) SetVideoEnabled(enabled bool) {
	st.videoOff.Store(!enabled)
	st.logger.Info("video enabled", zap.Bool("enabled", enabled))
}

// SwitchCamera swaps the capture device feeding the existing video track.
// The SSRC and the negotiated description are unchanged, so the peer simply
// sees new frames.
func (st *Stream) SwitchCamera() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return fmt.Errorf("media: stream closed")
	}
	if !st.video || st.videoOut == nil {
		return fmt.Errorf("media: no video in this call")
	}

	next := pickCamera(st.cameraID)
	if next == "" {
		return fmt.Errorf("media: no other camera available")
	}

	newMedia, err := st.source.getVideoOnly(next)
	if err != nil {
		return fmt.Errorf("media: open camera %s: %w", next, err)
	}

	// Stop the old forwarders before releasing their capture tracks.
	close(st.videoStop)
	for _, track := range st.media.GetVideoTracks() {
		track.Close()
		st.media.RemoveTrack(track)
	}

	st.videoStop = make(chan struct{})
	for _, track := range newMedia.GetVideoTracks() {
		st.media.AddTrack(track)
		go st.forward(track, st.videoOut, st.videoSSRC, &st.videoOff, st.videoStop)
	}

	st.logger.Info("switched camera", zap.String("from", st.cameraID), zap.String("to", next))
	st.cameraID = next
	return nil
}

// Close stops the forwarders and releases every capture device.
func (st *Stream) Close() {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return
	}
	st.closed = true
	st.cancel()

	for _, track := range st.media.GetTracks() {
		track.Close()
	}
	st.logger.Info("capture stream closed")
}
