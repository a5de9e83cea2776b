package fmp4

import (
	"fmt"
	"sync"

	"github.com/inhies/go-bytesize"
	"github.com/rs/zerolog"
)

// snapshotFloor and snapshotRatio implement the spec's keyframe-candidate
// heuristic: a fragment is flagged as a good snapshot source if it is one of
// the first five fragments and larger than snapshotFloor bytes, or if it is
// at least snapshotRatio of the largest earlier fragment in the trailing
// window.
const (
	snapshotFloor     = 300 * 1024
	snapshotRatio     = 0.70
	fragmentWindowLen = 20
)

// FragmentHandler is called once per complete media fragment (one moof+mdat
// pair, concatenated, byte-identical to what the encoder wrote).
type FragmentHandler func(fragment []byte, isSnapshotCandidate bool)

// InitHandler is called exactly once per session, the first time a
// complete init segment (ftyp+moov) has been captured.
type InitHandler func(init []byte)

// Parser consumes the encoder's raw output stream and splits it into an
// init segment and a sequence of media fragments, flagging snapshot
// candidates along the way. It is append-only: it never looks backward
// except within its own pending buffer, and forwarded bytes are never
// modified.
type Parser struct {
	log zerolog.Logger

	mu          sync.Mutex
	pending     []byte
	gotInit     bool
	initBoxes   []box
	pendingFrag []box

	window      []int // trailing fragment sizes, most recent last
	largestSeen int
	totalSeen   int

	onInit     InitHandler
	onFragment FragmentHandler
}

func New(log zerolog.Logger, onInit InitHandler, onFragment FragmentHandler) *Parser {
	return &Parser{log: log, onInit: onInit, onFragment: onFragment}
}

// Feed appends newly read encoder output to the parser's buffer and emits
// any complete init segment / media fragments it now contains.
func (p *Parser) Feed(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = append(p.pending, data...)

	for {
		b, n, ok, err := readBox(p.pending)
		if err != nil {
			return fmt.Errorf("parsing fmp4 stream: %w", err)
		}
		if !ok {
			break
		}
		p.pending = p.pending[n:]
		p.handleBox(b)
	}
	return nil
}

func (p *Parser) handleBox(b box) {
	if !p.gotInit {
		if isInitBox(b.typ) {
			p.initBoxes = append(p.initBoxes, b)
			if b.typ == "moov" {
				p.gotInit = true
				init := concatBoxes(p.initBoxes)
				p.initBoxes = nil
				if p.onInit != nil {
					p.onInit(init)
				}
			}
			return
		}
		// Media showed up before the init segment finished; the spec
		// treats this as a malformed stream. Drop it rather than
		// forward a client a fragment with nothing to decode it.
		p.log.Warn().Str("box", b.typ).Msg("dropping box received before init segment complete")
		return
	}

	switch b.typ {
	case "moof":
		if len(p.pendingFrag) > 0 {
			// A moof with no mdat before the next moof is still forwarded
			// for live delivery; only the snapshot candidate restarts.
			p.forward(concatBoxes(p.pendingFrag), false)
		}
		p.pendingFrag = []box{b}
	case "mdat":
		if len(p.pendingFrag) == 0 {
			// Still forwarded for live delivery, per spec, just not
			// eligible for snapshot candidacy.
			p.log.Debug().Msg("forwarding mdat with no preceding moof")
			p.forward(b.raw, false)
			return
		}
		p.pendingFrag = append(p.pendingFrag, b)
		fragment := concatBoxes(p.pendingFrag)
		p.pendingFrag = nil
		p.emitFragment(fragment)
	default:
		// A further ftyp/moov mid-session, or any other top-level box
		// an encoder emits (e.g. a trailing "free" box), is still
		// forwarded to the hub in arrival order; it is simply never a
		// snapshot candidate.
		p.log.Debug().Str("box", b.typ).Msg("forwarding non-fragment box as media")
		p.forward(b.raw, false)
	}
}

func (p *Parser) emitFragment(fragment []byte) {
	size := len(fragment)

	candidate := p.totalSeen < 5 && size > snapshotFloor
	if !candidate && p.largestSeen > 0 {
		candidate = float64(size) >= snapshotRatio*float64(p.largestSeen)
	}
	p.totalSeen++

	if size > p.largestSeen {
		p.largestSeen = size
	}
	p.window = append(p.window, size)
	if len(p.window) > fragmentWindowLen {
		p.window = p.window[1:]
		// Recompute largestSeen from the trailing window only, so a
		// single historical outlier does not permanently suppress
		// snapshot candidacy.
		max := 0
		for _, s := range p.window {
			if s > max {
				max = s
			}
		}
		p.largestSeen = max
	}

	p.log.Debug().
		Stringer("size", bytesize.New(float64(size))).
		Bool("snapshot_candidate", candidate).
		Msg("forwarding media fragment")

	p.forward(fragment, candidate)
}

func (p *Parser) forward(data []byte, candidate bool) {
	if p.onFragment != nil {
		p.onFragment(data, candidate)
	}
}

// HasInit reports whether the init segment has been captured yet.
func (p *Parser) HasInit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gotInit
}

// Reset clears all session state so the parser can be reused for a new
// encoder session (a new camera session always gets a fresh init segment).
func (p *Parser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	p.gotInit = false
	p.initBoxes = nil
	p.pendingFrag = nil
	p.window = nil
	p.largestSeen = 0
	p.totalSeen = 0
}
