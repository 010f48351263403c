package encoder

import (
	"bufio"
	"bytes"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Progress is one progress event parsed from the encoder's error stream.
type Progress struct {
	Frame   int64
	FPS     float64
	OutTime float64 // seconds of output produced so far
	Speed   float64 // multiple of realtime
	Percent float64 // against the source duration; 0 when unknown
	ETA     time.Duration
}

// ProgressSink receives progress events during an encode.
type ProgressSink interface {
	OnProgress(Progress)
}

// SinkFunc adapts a function to the ProgressSink interface.
type SinkFunc func(Progress)

// OnProgress implements ProgressSink.
func (f SinkFunc) OnProgress(p Progress) { f(p) }

// progressParser tokenizes ffmpeg's stats lines. The regexes are
// permissive about whitespace: both "frame=123" and "frame=  123" occur.
type progressParser struct {
	frameRe *regexp.Regexp
	fpsRe   *regexp.Regexp
	timeRe  *regexp.Regexp
	speedRe *regexp.Regexp

	totalDuration float64
}

func newProgressParser(totalDuration float64) *progressParser {
	return &progressParser{
		frameRe:       regexp.MustCompile(`frame=\s*(\d+)`),
		fpsRe:         regexp.MustCompile(`fps=\s*([0-9.]+)`),
		timeRe:        regexp.MustCompile(`time=\s*(\d+:\d+:[0-9.]+)`),
		speedRe:       regexp.MustCompile(`speed=\s*([0-9.]+)x`),
		totalDuration: totalDuration,
	}
}

// parseLine updates p from a single stats line and reports whether the
// line carried any progress tokens.
func (pp *progressParser) parseLine(line string, p *Progress) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	updated := false

	if m := pp.frameRe.FindStringSubmatch(line); len(m) > 1 {
		if frame, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			p.Frame = frame
			updated = true
		}
	}

	if m := pp.fpsRe.FindStringSubmatch(line); len(m) > 1 {
		if fps, err := strconv.ParseFloat(m[1], 64); err == nil {
			p.FPS = fps
			updated = true
		}
	}

	if m := pp.timeRe.FindStringSubmatch(line); len(m) > 1 {
		if secs := timeToSeconds(m[1]); secs >= 0 {
			p.OutTime = secs
			updated = true
		}
	}

	if m := pp.speedRe.FindStringSubmatch(line); len(m) > 1 {
		if speed, err := strconv.ParseFloat(m[1], 64); err == nil {
			p.Speed = speed
			updated = true
		}
	}

	if updated && pp.totalDuration > 0 {
		p.Percent = p.OutTime / pp.totalDuration * 100
		if p.Percent > 100 {
			p.Percent = 100
		}
		if p.Speed > 0 {
			remaining := pp.totalDuration - p.OutTime
			if remaining < 0 {
				remaining = 0
			}
			p.ETA = time.Duration(remaining / p.Speed * float64(time.Second))
		}
	}

	return updated
}

// stream consumes the encoder's stderr line-by-line, forwarding events
// to sink and returning the tail of the stream for error reporting.
// ffmpeg rewrites its stats line with carriage returns, so CR and LF
// are both treated as line breaks.
func (pp *progressParser) stream(r io.Reader, sink ProgressSink) string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanCRLFLines)

	const tailLines = 20
	var tail []string
	var p Progress

	for scanner.Scan() {
		line := scanner.Text()

		if pp.parseLine(line, &p) {
			if sink != nil {
				sink.OnProgress(p)
			}
			continue
		}

		if strings.TrimSpace(line) == "" {
			continue
		}
		tail = append(tail, line)
		if len(tail) > tailLines {
			tail = tail[1:]
		}
	}

	return strings.Join(tail, "\n")
}

// scanCRLFLines splits on \n or \r so in-place progress updates arrive
// as individual lines.
func scanCRLFLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// timeToSeconds converts ffmpeg's HH:MM:SS.cs notation; -1 on failure.
func timeToSeconds(s string) float64 {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return -1
	}

	hours, err1 := strconv.ParseFloat(parts[0], 64)
	minutes, err2 := strconv.ParseFloat(parts[1], 64)
	seconds, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return -1
	}

	return hours*3600 + minutes*60 + seconds
}
