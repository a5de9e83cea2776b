package encoder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eufy/streamproxy/internal/driver"
)

// flagValue returns the argument following flag, or "" if flag is absent.
func flagValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestBuildArgs_VideoOnly(t *testing.T) {
	args := BuildArgs(InputSpec{VideoPipe: "pipe:0"}, Tunables{Preset: "veryfast", CRF: 23})

	require.Contains(t, args, "libx264")
	require.Contains(t, args, "-an")
	require.NotContains(t, args, "-c:a")
	require.Contains(t, args, "23")
}

func TestBuildArgs_WithAudioPipe(t *testing.T) {
	args := BuildArgs(InputSpec{VideoPipe: "pipe:0", AudioPipe: "/tmp/audio.pipe"}, Tunables{})

	require.Contains(t, args, "/tmp/audio.pipe")
	require.Contains(t, args, "-c:a")
	require.NotContains(t, args, "-an")
}

func TestBuildArgs_ShortKeyframesHalvesGOP(t *testing.T) {
	normal := BuildArgs(InputSpec{VideoPipe: "pipe:0"}, Tunables{})
	short := BuildArgs(InputSpec{VideoPipe: "pipe:0"}, Tunables{ShortKeyframes: true})

	require.Contains(t, normal, "30")
	require.Contains(t, short, "15")
}

func TestBuildArgs_ScaleAddsFilter(t *testing.T) {
	args := BuildArgs(InputSpec{VideoPipe: "pipe:0"}, Tunables{Scale: "1280:-2"})

	require.Contains(t, args, "-vf")
	require.Contains(t, args, "scale=1280:-2")
}

func TestBuildArgs_CodecSelectsInputFormat(t *testing.T) {
	h264 := BuildArgs(InputSpec{VideoPipe: "pipe:0", Codec: driver.CodecH264}, Tunables{})
	h265 := BuildArgs(InputSpec{VideoPipe: "pipe:0", Codec: driver.CodecH265}, Tunables{})
	unset := BuildArgs(InputSpec{VideoPipe: "pipe:0"}, Tunables{})

	require.Equal(t, "h264", flagValue(h264, "-f"))
	require.Equal(t, "hevc", flagValue(h265, "-f"))
	require.Equal(t, "h264", flagValue(unset, "-f"))

	// the output codec is always H.264 regardless of the observed input codec
	require.Contains(t, h265, "libx264")
}

func TestBuildArgs_VideoProfileAndLevel(t *testing.T) {
	args := BuildArgs(InputSpec{VideoPipe: "pipe:0"}, Tunables{})

	require.Equal(t, "main", flagValue(args, "-profile:v"))
	require.Equal(t, "3.1", flagValue(args, "-level"))
}

func TestBuildArgs_ClosedGOP(t *testing.T) {
	args := BuildArgs(InputSpec{VideoPipe: "pipe:0"}, Tunables{})

	require.Equal(t, "+cgop", flagValue(args, "-flags"))
}

func TestBuildArgs_MaxBitrateAddsCBRHRDParams(t *testing.T) {
	withBitrate := BuildArgs(InputSpec{VideoPipe: "pipe:0"}, Tunables{MaxBitrateKbps: 4000})
	without := BuildArgs(InputSpec{VideoPipe: "pipe:0"}, Tunables{})

	require.Equal(t, "4000k", flagValue(withBitrate, "-maxrate"))
	require.Equal(t, "8000k", flagValue(withBitrate, "-bufsize"))
	require.Equal(t, "nal-hrd=cbr", flagValue(withBitrate, "-x264opts"))

	require.NotContains(t, without, "-maxrate")
	require.NotContains(t, without, "-x264opts")
}

func TestBuildArgs_FragDurationMatchesKeyframeMode(t *testing.T) {
	standard := BuildArgs(InputSpec{VideoPipe: "pipe:0"}, Tunables{})
	short := BuildArgs(InputSpec{VideoPipe: "pipe:0"}, Tunables{ShortKeyframes: true})

	require.Equal(t, "1000000", flagValue(standard, "-frag_duration"))
	require.Equal(t, "500000", flagValue(short, "-frag_duration"))
}
