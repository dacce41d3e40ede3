package session

import (
	"strings"
	"testing"
	"time"
)

func TestSplitAtSentenceBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		flush string
		rest  string
	}{
		{name: "empty", in: "", flush: "", rest: ""},
		{name: "no boundary", in: "Hello the", flush: "", rest: "Hello the"},
		{name: "period then space", in: "Hello. ", flush: "Hello.", rest: " "},
		{name: "period at end", in: "Hello.", flush: "Hello.", rest: ""},
		{name: "question at end", in: "Anything else?", flush: "Anything else?", rest: ""},
		{name: "mid-stream boundary", in: "Hi! How are", flush: "Hi!", rest: " How are"},
		{name: "last of several", in: "One. Two. Thr", flush: "One. Two.", rest: " Thr"},
		{name: "decimal point is no boundary", in: "pi is 3.14 ro", flush: "", rest: "pi is 3.14 ro"},
		{name: "newline counts as space", in: "Done.\nNext", flush: "Done.", rest: "\nNext"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			flush, rest := splitAtSentenceBoundary(tt.in)
			if flush != tt.flush || rest != tt.rest {
				t.Errorf("splitAtSentenceBoundary(%q) = (%q, %q), want (%q, %q)",
					tt.in, flush, rest, tt.flush, tt.rest)
			}
			if flush+rest != tt.in {
				t.Errorf("split loses bytes: %q + %q != %q", flush, rest, tt.in)
			}
		})
	}
}

func TestSplitSpeech(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "one", want: []string{"one"}},
		{in: "Hi Dan!", want: []string{"Hi", " Dan!"}},
		{in: " leading", want: []string{" leading"}},
		{in: "a  b", want: []string{"a", "  b"}},
		{in: "One moment, I need to reconnect.", want: []string{"One", " moment,", " I", " need", " to", " reconnect."}},
	}

	for _, tt := range tests {
		tokens := splitSpeech(tt.in)
		if len(tokens) != len(tt.want) {
			t.Errorf("splitSpeech(%q) = %q, want %q", tt.in, tokens, tt.want)
			continue
		}
		for i := range tokens {
			if tokens[i] != tt.want[i] {
				t.Errorf("splitSpeech(%q) = %q, want %q", tt.in, tokens, tt.want)
				break
			}
		}
		if got := strings.Join(tokens, ""); got != tt.in {
			t.Errorf("tokens do not reassemble: %q != %q", got, tt.in)
		}
	}
}

// TestTimerFlushSpeaksUnpunctuatedText holds a stream open with no sentence
// boundary and checks the flush clock pushes the partial text out anyway.
func TestTimerFlushSpeaksUnpunctuatedText(t *testing.T) {
	t.Parallel()

	provider := newHoldProvider([]string{"Let me think about", " that for a bit"})
	f := newFixture(t, ManagerConfig{}, provider)
	tr := &fakeTransport{}

	sess, err := f.manager.Attach(tr, setupFrame("CA-flush", "+15555550100"))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(tr.snapshot()) == 2 },
		"greeting never finished")

	start := time.Now()
	sess.Deliver(promptFrame("hmm?"))
	<-provider.began

	waitFor(t, 3*time.Second, func() bool { return len(tr.snapshot()) > 2 },
		"timer flush never fired")
	elapsed := time.Since(start)

	frames := tr.snapshot()
	flushed := frames[2]
	if flushed.Type != FrameText || flushed.Token != "Let me think about that for a bit" {
		t.Errorf("timer flush frame = %+v", flushed)
	}
	if flushed.IsLast() {
		t.Error("timer flush must not terminate the utterance")
	}
	if elapsed < FlushInterval {
		t.Errorf("flush fired after %s, before the %s interval", elapsed, FlushInterval)
	}

	endCall(t, sess)
}
