package encoder

import (
	"fmt"
	"strconv"

	"github.com/eufy/streamproxy/internal/driver"
)

// InputSpec describes the elementary stream the external encoder will read
// from its stdin/aux pipes.
type InputSpec struct {
	VideoPipe string       // path to a named pipe, or "pipe:0" for stdin
	AudioPipe string       // path to a named pipe, empty if the camera has no audio
	Codec     driver.Codec // observed input codec; empty defaults to h264
	Width     int
	Height    int
}

// Tunables is the subset of config.TranscodeConfig the argument builder
// needs. Kept separate from config.TranscodeConfig so this package does not
// import internal/config.
type Tunables struct {
	Preset         string
	CRF            int
	Scale          string // e.g. "1280:-2", empty for no scaling filter
	Threads        int
	ShortKeyframes bool
	MaxBitrateKbps int // HRD maxrate/bufsize target; 0 disables CBR HRD flags
}

// inputFormat maps an observed camera codec to the ffmpeg demuxer name for
// the primary input pipe.
func inputFormat(c driver.Codec) string {
	if c == driver.CodecH265 {
		return "hevc"
	}
	return "h264"
}

// BuildArgs returns the full argv (excluding argv[0]) for the external
// encoder process that reads in.VideoPipe (and, if present, in.AudioPipe)
// and writes fragmented MP4 to stdout. It is pure so the mapping from
// tunables to flags is unit-testable without spawning a process.
func BuildArgs(in InputSpec, t Tunables) []string {
	var args []string

	args = append(args, "-hide_banner", "-loglevel", "warning")

	args = append(args, "-f", inputFormat(in.Codec), "-i", in.VideoPipe)
	if in.AudioPipe != "" {
		args = append(args, "-f", "aac", "-i", in.AudioPipe)
	}

	args = append(args, "-c:v", "libx264", "-profile:v", "main", "-level", "3.1")
	if t.Preset != "" {
		args = append(args, "-preset", t.Preset)
	}
	if t.CRF > 0 {
		args = append(args, "-crf", strconv.Itoa(t.CRF))
	}
	if t.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(t.Threads))
	}
	if t.Scale != "" {
		args = append(args, "-vf", fmt.Sprintf("scale=%s", t.Scale))
	}

	gop := 30
	fragDuration := 1000000
	if t.ShortKeyframes {
		gop = 15
		fragDuration = 500000
	}
	args = append(args,
		"-g", strconv.Itoa(gop),
		"-keyint_min", strconv.Itoa(gop),
		"-sc_threshold", "0",
		"-flags", "+cgop",
		"-pix_fmt", "yuv420p",
	)

	if t.MaxBitrateKbps > 0 {
		maxrate := fmt.Sprintf("%dk", t.MaxBitrateKbps)
		bufsize := fmt.Sprintf("%dk", t.MaxBitrateKbps*2)
		args = append(args, "-maxrate", maxrate, "-bufsize", bufsize, "-x264opts", "nal-hrd=cbr")
	}

	if in.AudioPipe != "" {
		args = append(args, "-c:a", "aac", "-b:a", "128k", "-ar", "48000", "-ac", "1")
	} else {
		args = append(args, "-an")
	}

	args = append(args,
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		"-frag_duration", strconv.Itoa(fragDuration),
		"-f", "mp4",
		"pipe:1",
	)

	return args
}
