package capture

import (
	"bufio"
	"bytes"
	"context"
	"image/jpeg"
	"io"

	"go.uber.org/zap"
)

const maxMJPEGFrame = 8 << 20

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// splitJPEG is a bufio.SplitFunc yielding one complete JPEG (SOI..EOI) per token.
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// keep a trailing 0xff in case it starts the next marker
		if n := len(data); n > 0 && data[n-1] == 0xff {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}
	end := bytes.Index(data[start+2:], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}

// PumpMJPEG decodes a concatenated-JPEG stream (e.g. ffmpeg -f mjpeg) into t until r ends or ctx is done.
// The track is ended on return.
func PumpMJPEG(ctx context.Context, r io.Reader, t *BufferTrack, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	defer t.End()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxMJPEGFrame)
	sc.Split(splitJPEG)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		img, err := jpeg.Decode(bytes.NewReader(sc.Bytes()))
		if err != nil {
			logger.Debug("skip undecodable mjpeg frame", zap.Error(err))
			continue
		}
		t.Push(img)
	}
	return sc.Err()
}
