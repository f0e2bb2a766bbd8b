package rtcsession

import (
	"strings"

	"github.com/pion/sdp/v3"
)

// stripCongestionControlFeedback removes rtcp-fb / extmap attribute lines
// that advertise receiver-driven congestion control (transport-cc,
// goog-remb) from an SDP answer before it is set as the local description
// (spec.md §4.6). Rate control here is server-driven via the config
// channel, so the server must not react to (or advertise support for)
// receiver bandwidth estimation.
func stripCongestionControlFeedback(raw string) (string, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return "", err
	}

	for _, md := range sd.MediaDescriptions {
		kept := md.Attributes[:0]
		for _, a := range md.Attributes {
			if strings.Contains(a.Value, "transport-cc") || strings.Contains(a.Value, "goog-remb") {
				continue
			}
			kept = append(kept, a)
		}
		md.Attributes = kept
	}

	out, err := sd.Marshal()
	if err != nil {
		return "", err
	}
	return string(out), nil
}
