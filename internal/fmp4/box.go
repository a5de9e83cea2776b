// Package fmp4 parses the encoder's fragmented MP4 byte stream into boxes,
// captures the init segment, forwards media fragments byte-for-byte, and
// flags fragments that are good snapshot candidates.
package fmp4

import (
	"bytes"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
)

// box is one top-level MP4 box: a 4-byte size, a 4-character type, and its
// raw bytes including the 8-byte header.
type box struct {
	typ   string
	raw   []byte // full box bytes, header included
	start int    // offset of this box in the buffer it was read from
}

const boxHeaderSize = 8

// readBox attempts to read one complete box starting at buf[0:]. It returns
// ok=false (no error) if buf does not yet contain a full box, which is the
// normal case while streaming — the caller should wait for more bytes.
func readBox(buf []byte) (b box, consumed int, ok bool, err error) {
	if len(buf) < boxHeaderSize {
		return box{}, 0, false, nil
	}

	hdr, err := mp4.DecodeHeader(bytes.NewReader(buf))
	if err != nil {
		// Not enough bytes yet for mp4ff to even parse the header
		// (e.g. a size==1 extended-size box split across reads).
		return box{}, 0, false, nil
	}

	if hdr.Size == 0 {
		// Box extends to end of stream; in a live fragment feed this
		// never resolves, so treat it as incomplete until the source
		// closes (not handled here — callers never see EOF mid-stream).
		return box{}, 0, false, nil
	}
	if hdr.Size < uint64(hdr.Hdrlen) {
		return box{}, 0, false, fmt.Errorf("invalid box %q: size %d smaller than header %d", hdr.Name, hdr.Size, hdr.Hdrlen)
	}
	if uint64(len(buf)) < hdr.Size {
		return box{}, 0, false, nil
	}

	return box{typ: hdr.Name, raw: buf[:hdr.Size]}, int(hdr.Size), true, nil
}

// splitBoxes consumes as many complete top-level boxes as are available at
// the front of buf, returning them and the number of bytes consumed. Any
// trailing partial box is left unconsumed for the next read.
func splitBoxes(buf []byte) (boxes []box, consumed int, err error) {
	off := 0
	for {
		b, n, ok, err := readBox(buf[off:])
		if err != nil {
			return boxes, off, err
		}
		if !ok {
			break
		}
		b.start = off
		boxes = append(boxes, b)
		off += n
	}
	return boxes, off, nil
}

// isInitBox reports whether typ belongs to the init segment (ftyp/moov),
// as opposed to a media fragment (moof/mdat).
func isInitBox(typ string) bool {
	return typ == "ftyp" || typ == "moov"
}

func concatBoxes(boxes []box) []byte {
	var out bytes.Buffer
	for _, b := range boxes {
		out.Write(b.raw)
	}
	return out.Bytes()
}
