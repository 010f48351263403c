package encoder

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseLineFullStatsLine(t *testing.T) {
	pp := newProgressParser(120)

	var p Progress
	ok := pp.parseLine("frame=  900 fps= 30 q=28.0 size=    2048kB time=00:00:30.00 bitrate= 559.2kbits/s speed=1.5x", &p)
	assert.True(t, ok)

	assert.Equal(t, int64(900), p.Frame)
	assert.InDelta(t, 30.0, p.FPS, 0.001)
	assert.InDelta(t, 30.0, p.OutTime, 0.001)
	assert.InDelta(t, 1.5, p.Speed, 0.001)
	assert.InDelta(t, 25.0, p.Percent, 0.001)
	assert.Equal(t, time.Duration(60*float64(time.Second)), p.ETA)
}

func TestParseLineIgnoresNoise(t *testing.T) {
	pp := newProgressParser(120)
	var p Progress

	assert.False(t, pp.parseLine("", &p))
	assert.False(t, pp.parseLine("Input #0, avi, from 'a.avi':", &p))
	assert.False(t, pp.parseLine("[libx265] encoder ready", &p))
}

func TestParseLinePercentCapped(t *testing.T) {
	pp := newProgressParser(10)
	var p Progress

	pp.parseLine("frame= 500 time=00:00:12.00 speed=1.0x", &p)
	assert.InDelta(t, 100.0, p.Percent, 0.001)
	assert.Equal(t, time.Duration(0), p.ETA)
}

func TestParseLineUnknownDuration(t *testing.T) {
	pp := newProgressParser(0)
	var p Progress

	pp.parseLine("frame= 500 time=00:00:12.00 speed=1.0x", &p)
	assert.Zero(t, p.Percent)
}

func TestStreamSplitsOnCarriageReturns(t *testing.T) {
	// ffmpeg rewrites the stats line in place with CR.
	input := "frame=  100 time=00:00:10.00 speed=2.0x\rframe=  200 time=00:00:20.00 speed=2.0x\rframe=  300 time=00:00:30.00 speed=2.0x\n"

	pp := newProgressParser(60)
	var events []Progress
	tail := pp.stream(strings.NewReader(input), SinkFunc(func(p Progress) {
		events = append(events, p)
	}))

	assert.Len(t, events, 3)
	assert.Equal(t, int64(300), events[2].Frame)
	assert.InDelta(t, 50.0, events[2].Percent, 0.001)
	assert.Empty(t, tail)
}

func TestStreamKeepsErrorTail(t *testing.T) {
	input := "Input #0, avi\nframe= 10 time=00:00:01.00 speed=1.0x\n[mp4 @ 0x1] Could not write header\nConversion failed!\n"

	pp := newProgressParser(60)
	tail := pp.stream(strings.NewReader(input), nil)

	assert.Contains(t, tail, "Could not write header")
	assert.Contains(t, tail, "Conversion failed!")
	assert.NotContains(t, tail, "frame= 10")
}

func TestStreamTailBounded(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString("error line\n")
	}

	pp := newProgressParser(0)
	tail := pp.stream(strings.NewReader(b.String()), nil)
	assert.LessOrEqual(t, len(strings.Split(tail, "\n")), 20)
}

func TestTimeToSeconds(t *testing.T) {
	assert.InDelta(t, 3661.5, timeToSeconds("01:01:01.50"), 0.001)
	assert.InDelta(t, 30.0, timeToSeconds("00:00:30.00"), 0.001)
	assert.Equal(t, -1.0, timeToSeconds("30.00"))
	assert.Equal(t, -1.0, timeToSeconds("aa:bb:cc"))
}
