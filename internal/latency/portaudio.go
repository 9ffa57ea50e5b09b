package latency

import (
	"context"
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"
)

const (
	probeSampleRate      = 48000
	probeFramesPerBuffer = 960 // 20ms @ 48kHz
)

// PortAudioProbe measures the default output device through PortAudio. The
// base term is one host buffer; the output term is what the opened stream
// reports, or the device's default low output latency when the host API
// does not fill it in.
type PortAudioProbe struct{}

func (PortAudioProbe) PipelineLatency(ctx context.Context) (time.Duration, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if err := portaudio.Initialize(); err != nil {
		return 0, 0, fmt.Errorf("%w: portaudio init: %v", ErrUnavailable, err)
	}
	defer portaudio.Terminate()

	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: no default output device: %v", ErrUnavailable, err)
	}

	buf := make([]float32, probeFramesPerBuffer)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      probeSampleRate,
		FramesPerBuffer: probeFramesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: open output stream: %v", ErrUnavailable, err)
	}
	defer stream.Close()

	base := time.Duration(float64(probeFramesPerBuffer) / probeSampleRate * float64(time.Second))
	output := dev.DefaultLowOutputLatency
	if info := stream.Info(); info != nil && info.OutputLatency > 0 {
		output = info.OutputLatency
	}
	return base, output, nil
}
