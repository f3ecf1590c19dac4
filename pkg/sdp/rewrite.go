package sdp

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/peerdial/peerdial/pkg/logger"
)

const (
	VideoCodecVP8  = "VP8"
	VideoCodecVP9  = "VP9"
	VideoCodecH264 = "H264"
	AudioCodecOpus = "opus"
	AudioCodecISAC = "ISAC"

	VideoCodecParamStartBitrate = "x-google-start-bitrate"
	AudioCodecParamBitrate      = "maxaveragebitrate"
)

// compiled per-codec patterns are reused across calls; the set of codecs a
// deployment negotiates is small
var patternCache, _ = lru.New[string, *regexp.Regexp](32)

func compilePattern(expr string) *regexp.Regexp {
	if p, ok := patternCache.Get(expr); ok {
		return p
	}
	p, err := regexp.Compile(expr)
	if err != nil {
		logger.Warnw("invalid codec pattern", err, "expr", expr)
		return nil
	}
	patternCache.Add(expr, p)
	return p
}

// rtpmapPattern matches
// a=rtpmap:<payload type> <encoding name>/<clock rate> [/<encoding parameters>]
// for the given codec name.
func rtpmapPattern(codec string) *regexp.Regexp {
	return compilePattern("^a=rtpmap:(\\d+) " + codec + "(/\\d+)+[\r]?$")
}

// PreferCodec moves the payload type of codec to the front of the matching
// media description's format list. The description is returned unchanged if
// the media line or the codec's rtpmap entry is absent.
func PreferCodec(sdpDescription string, codec string, isAudio bool) string {
	lines := SplitLines(sdpDescription)
	mLineIndex := -1
	codecRtpMap := ""
	codecPattern := rtpmapPattern(codec)
	if codecPattern == nil {
		return sdpDescription
	}
	mediaDescription := "m=video "
	if isAudio {
		mediaDescription = "m=audio "
	}
	for i := 0; i < len(lines) && (mLineIndex == -1 || codecRtpMap == ""); i++ {
		if strings.HasPrefix(lines[i], mediaDescription) {
			mLineIndex = i
			continue
		}
		if m := codecPattern.FindStringSubmatch(lines[i]); m != nil {
			codecRtpMap = m[1]
		}
	}
	if mLineIndex == -1 {
		logger.Warnw("no media description line, cannot prefer codec", nil,
			"media", mediaDescription, "codec", codec)
		return sdpDescription
	}
	if codecRtpMap == "" {
		logger.Warnw("no rtpmap for codec", nil, "codec", codec)
		return sdpDescription
	}
	logger.Debugw("preferring codec", "codec", codec, "payload", codecRtpMap,
		"mline", lines[mLineIndex])

	origMLineParts := strings.Split(lines[mLineIndex], " ")
	if len(origMLineParts) > 3 {
		var newMLine strings.Builder
		// Format is: m=<media> <port> <proto> <fmt> ...
		newMLine.WriteString(origMLineParts[0] + " ")
		newMLine.WriteString(origMLineParts[1] + " ")
		newMLine.WriteString(origMLineParts[2] + " ")
		newMLine.WriteString(codecRtpMap)
		for _, part := range origMLineParts[3:] {
			if part != codecRtpMap {
				newMLine.WriteString(" " + part)
			}
		}
		lines[mLineIndex] = newMLine.String()
	} else {
		logger.Errorw("wrong SDP media description format", nil, "mline", lines[mLineIndex])
	}
	return JoinLines(lines)
}

// SetStartBitrate adds a start bitrate hint for codec to the description's
// format parameters. An existing a=fmtp line for the codec's payload type is
// extended, otherwise a new line is inserted right after the rtpmap entry.
// Video bitrates stay in kbps; audio bitrates are converted to bps.
func SetStartBitrate(sdpDescription string, codec string, isVideoCodec bool, bitrateKbps int) string {
	lines := SplitLines(sdpDescription)
	rtpmapLineIndex := -1
	sdpFormatUpdated := false
	codecRtpMap := ""
	codecPattern := rtpmapPattern(codec)
	if codecPattern == nil {
		return sdpDescription
	}
	for i, line := range lines {
		if m := codecPattern.FindStringSubmatch(line); m != nil {
			codecRtpMap = m[1]
			rtpmapLineIndex = i
			break
		}
	}
	if codecRtpMap == "" {
		logger.Warnw("no rtpmap for codec", nil, "codec", codec)
		return sdpDescription
	}
	logger.Debugw("found codec rtpmap", "codec", codec, "payload", codecRtpMap,
		"line", lines[rtpmapLineIndex])

	// update an existing a=fmtp line for this payload type if there is one;
	// keys may be hyphenated (x-google-start-bitrate), so \w alone is not enough
	fmtpPattern := compilePattern("^a=fmtp:" + codecRtpMap + " [\\w-]+=\\d+.*[\r]?$")
	if fmtpPattern == nil {
		return sdpDescription
	}
	for i, line := range lines {
		if fmtpPattern.MatchString(line) {
			if isVideoCodec {
				lines[i] += fmt.Sprintf("; %s=%d", VideoCodecParamStartBitrate, bitrateKbps)
			} else {
				lines[i] += fmt.Sprintf("; %s=%d", AudioCodecParamBitrate, bitrateKbps*1000)
			}
			logger.Debugw("updated fmtp line", "line", lines[i])
			sdpFormatUpdated = true
			break
		}
	}

	var newSdpDescription strings.Builder
	for i, line := range lines {
		newSdpDescription.WriteString(line)
		newSdpDescription.WriteString("\r\n")
		// append a new a=fmtp line if none existed for the codec
		if !sdpFormatUpdated && i == rtpmapLineIndex {
			var bitrateSet string
			if isVideoCodec {
				bitrateSet = fmt.Sprintf("a=fmtp:%s %s=%d", codecRtpMap, VideoCodecParamStartBitrate, bitrateKbps)
			} else {
				bitrateSet = fmt.Sprintf("a=fmtp:%s %s=%d", codecRtpMap, AudioCodecParamBitrate, bitrateKbps*1000)
			}
			logger.Debugw("added fmtp line", "line", bitrateSet)
			newSdpDescription.WriteString(bitrateSet)
			newSdpDescription.WriteString("\r\n")
		}
	}
	return newSdpDescription.String()
}
