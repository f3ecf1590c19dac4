package sdp

import (
	"regexp"
	"strings"

	"github.com/elliotchance/orderedmap/v2"
)

var (
	anyRtpmapRegexp = regexp.MustCompile(`^a=rtpmap:(\d+) ([^/\s]+)/(\d+)(?:/(\S+))?\r?$`)
	anyFmtpRegexp   = regexp.MustCompile(`^a=fmtp:(\d+) (.+?)\r?$`)
)

// Payload describes one payload type within a media section.
type Payload struct {
	Type      string
	Name      string
	ClockRate string
	Encoding  string
	Fmtp      []string
}

// MediaSection is a read-only summary of one m= section.
type MediaSection struct {
	Kind    string
	Port    string
	Proto   string
	Formats []string

	payloads *orderedmap.OrderedMap[string, *Payload]
}

// Payloads returns the section's payload entries in order of appearance.
func (s *MediaSection) Payloads() []*Payload {
	out := make([]*Payload, 0, s.payloads.Len())
	for el := s.payloads.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

func (s *MediaSection) payload(pt string) *Payload {
	if p, ok := s.payloads.Get(pt); ok {
		return p
	}
	p := &Payload{Type: pt}
	s.payloads.Set(pt, p)
	return p
}

// Describe summarizes the media sections of a description for display.
// It tolerates anything it cannot parse by skipping it.
func Describe(text string) []*MediaSection {
	var sections []*MediaSection
	var current *MediaSection
	for _, line := range SplitLines(text) {
		if strings.HasPrefix(line, "m=") {
			fields := strings.Fields(line)
			current = &MediaSection{
				Kind:     strings.TrimPrefix(fields[0], "m="),
				payloads: orderedmap.NewOrderedMap[string, *Payload](),
			}
			if len(fields) > 2 {
				current.Port = fields[1]
				current.Proto = fields[2]
			}
			if len(fields) > 3 {
				current.Formats = fields[3:]
			}
			sections = append(sections, current)
			continue
		}
		if current == nil {
			continue
		}
		if m := anyRtpmapRegexp.FindStringSubmatch(line); m != nil {
			p := current.payload(m[1])
			p.Name = m[2]
			p.ClockRate = m[3]
			p.Encoding = m[4]
			continue
		}
		if m := anyFmtpRegexp.FindStringSubmatch(line); m != nil {
			p := current.payload(m[1])
			p.Fmtp = append(p.Fmtp, m[2])
		}
	}
	return sections
}
