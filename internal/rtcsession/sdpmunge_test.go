package rtcsession

import (
	"strings"
	"testing"
)

const sampleSDP = "v=0\r\n" +
	"o=- 123456 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtcp-fb:96 goog-remb\r\n" +
	"a=rtcp-fb:96 transport-cc\r\n" +
	"a=rtcp-fb:96 ccm fir\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

func TestStripCongestionControlFeedbackRemovesTargetLines(t *testing.T) {
	out, err := stripCongestionControlFeedback(sampleSDP)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(out, "goog-remb") {
		t.Fatalf("expected goog-remb line to be stripped, got:\n%s", out)
	}
	if strings.Contains(out, "transport-cc") {
		t.Fatalf("expected transport-cc line to be stripped, got:\n%s", out)
	}
}

func TestStripCongestionControlFeedbackKeepsOtherAttributes(t *testing.T) {
	out, err := stripCongestionControlFeedback(sampleSDP)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "ccm fir") {
		t.Fatalf("expected unrelated rtcp-fb line to survive, got:\n%s", out)
	}
	if !strings.Contains(out, "rtpmap:96 VP8/90000") {
		t.Fatalf("expected rtpmap line to survive, got:\n%s", out)
	}
}

func TestStripCongestionControlFeedbackRejectsMalformedSDP(t *testing.T) {
	if _, err := stripCongestionControlFeedback("not an sdp"); err == nil {
		t.Fatalf("expected an error for malformed SDP input")
	}
}
