// Package encoder supervises the external media encoder process: it starts
// it with the right arguments, feeds it elementary frames, streams its
// fragmented MP4 output to a callback, and reports its exit to another
// callback. The Supervisor never restarts the process itself; restarting is
// left to the caller, and RestartWithBackoff is a retry helper for that.
package encoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/eufy/streamproxy/internal/ingress"
	"github.com/eufy/streamproxy/internal/system"
	"github.com/rs/zerolog"
)

type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateDraining   State = "draining"
	StateTerminated State = "terminated"
)

// OutputFunc receives raw bytes read from the encoder's stdout as they
// arrive; the caller (the fmp4 parser) is responsible for box framing.
type OutputFunc func([]byte)

// ExitFunc is called once when the encoder process exits, whether cleanly
// or not. exitErr is nil only for a deliberate Stop().
type ExitFunc func(exitErr error)

// Supervisor owns one external encoder process at a time.
type Supervisor struct {
	binary string
	log    zerolog.Logger

	mu        sync.Mutex
	state     State
	sessionID string
	cancel    context.CancelFunc
	videoPipe *pipeWriter
	audioPipe *pipeWriter
	stderr    *system.LimitedBuffer
}

func New(binary string, log zerolog.Logger) *Supervisor {
	return &Supervisor{binary: binary, log: log, state: StateIdle}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the encoder for the given input spec and tunables. output
// is invoked for every chunk of encoder stdout; onExit is invoked once when
// the process exits. Start returns once the process has been spawned, not
// once it is producing output.
func (s *Supervisor) Start(ctx context.Context, in InputSpec, t Tunables, withAudio bool, output OutputFunc, onExit ExitFunc) (videoSink, audioSink ingress.FrameSink, err error) {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateTerminated {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("encoder already %s", s.state)
	}
	s.state = StateStarting
	s.sessionID = system.GenerateSessionID()
	procCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	// Audio rides in on an auxiliary fd rather than a named pipe: the read
	// end is handed to the child via cmd.ExtraFiles (landing at fd 3, the
	// first fd past stdin/stdout/stderr) and referenced in the encoder's
	// argv as /dev/fd/3, the same idiom used for passing fds to child
	// processes elsewhere in this codebase.
	var audioReadFd *os.File
	var audioWriteFd *os.File
	if withAudio {
		var perr error
		audioReadFd, audioWriteFd, perr = os.Pipe()
		if perr != nil {
			cancel()
			s.setState(StateTerminated)
			return nil, nil, fmt.Errorf("creating audio aux pipe: %w", perr)
		}
		in.AudioPipe = "/dev/fd/3"
	}

	args := BuildArgs(in, t)
	cmd := exec.CommandContext(procCtx, s.binary, args...)
	if withAudio {
		cmd.ExtraFiles = []*os.File{audioReadFd}
	}

	videoW, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		s.setState(StateTerminated)
		s.closeAudioPipes(audioReadFd, audioWriteFd)
		return nil, nil, fmt.Errorf("creating video stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		s.setState(StateTerminated)
		s.closeAudioPipes(audioReadFd, audioWriteFd)
		return nil, nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		s.setState(StateTerminated)
		s.closeAudioPipes(audioReadFd, audioWriteFd)
		return nil, nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	ring := system.NewLimitedBuffer(10 * 1024)

	if err := cmd.Start(); err != nil {
		cancel()
		s.setState(StateTerminated)
		s.closeAudioPipes(audioReadFd, audioWriteFd)
		return nil, nil, fmt.Errorf("starting encoder: %w", err)
	}

	// The child has its own copy of the read end now; closing ours here
	// ensures the child sees EOF on /dev/fd/3 when we close audioWriteFd.
	if audioReadFd != nil {
		audioReadFd.Close()
	}

	s.mu.Lock()
	s.videoPipe = &pipeWriter{w: videoW}
	if audioWriteFd != nil {
		s.audioPipe = &pipeWriter{w: audioWriteFd}
	}
	s.stderr = ring
	s.state = StateRunning
	s.mu.Unlock()

	go io.Copy(ring, stderrPipe)

	go func() {
		reader := bufio.NewReaderSize(stdout, 64*1024)
		buf := make([]byte, 32*1024)
		for {
			n, rerr := reader.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				output(chunk)
			}
			if rerr != nil {
				break
			}
		}
	}()

	go func() {
		waitErr := cmd.Wait()
		s.mu.Lock()
		wasDraining := s.state == StateDraining
		s.state = StateTerminated
		s.mu.Unlock()

		if waitErr != nil && !wasDraining {
			s.log.Warn().Err(waitErr).Str("stderr_tail", ring.String()).Msg("encoder exited unexpectedly")
		} else {
			s.log.Info().Msg("encoder exited")
		}
		if onExit != nil {
			onExit(waitErr)
		}
	}()

	// audioSink must stay a literal nil interface (not a typed nil
	// *pipeWriter) when audio wasn't requested, so ingress's "sink == nil"
	// checks still work.
	if s.audioPipe == nil {
		return s.videoPipe, nil, nil
	}
	return s.videoPipe, s.audioPipe, nil
}

// closeAudioPipes releases the aux-fd pipe halves when Start aborts before
// the process is handed ownership of the read end.
func (s *Supervisor) closeAudioPipes(r, w *os.File) {
	if r != nil {
		r.Close()
	}
	if w != nil {
		w.Close()
	}
}

// Drain asks the encoder to stop accepting new input and exit gracefully by
// closing its stdin, giving it a chance to flush trailing fragments.
func (s *Supervisor) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	s.state = StateDraining
	if s.videoPipe != nil {
		s.videoPipe.Close()
	}
	if s.audioPipe != nil {
		s.audioPipe.Close()
	}
}

// Stop forcibly terminates the encoder process.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.state = StateTerminated
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// RestartWithBackoff runs start (a closure over the caller's desired
// Start() call) repeatedly with exponential backoff until it succeeds or
// ctx is done, per the spec's "automatic restart on crash" requirement.
func RestartWithBackoff(ctx context.Context, log zerolog.Logger, start func() error) error {
	return retry.Do(
		start,
		retry.Context(ctx),
		retry.Attempts(0), // unlimited, bounded only by ctx
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(10*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Uint("attempt", n).Err(err).Msg("retrying encoder start")
		}),
	)
}

type pipeWriter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

func (p *pipeWriter) WriteFrame(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("pipe closed")
	}
	_, err := p.w.Write(data)
	return err
}

func (p *pipeWriter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.w.Close()
}
