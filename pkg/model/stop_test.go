package model

import "testing"

func TestStopSequencesList(t *testing.T) {
	t.Parallel()

	s := StopSequences{Done: "Done.", NoResult: "No qualifying URLs."}
	got := s.List()
	if len(got) != 2 || got[0] != "Done." || got[1] != "No qualifying URLs." {
		t.Fatalf("unexpected list: %v", got)
	}
	if (StopSequences{Done: "x", NoResult: "x"}).List()[0] != "x" || len((StopSequences{Done: "x", NoResult: "x"}).List()) != 1 {
		t.Fatalf("duplicate sequence should be listed once")
	}
	s.Required = true
	s.Clear()
	if !s.Empty() || s.Required {
		t.Fatalf("clear left state: %+v", s)
	}
}

func TestStopSequencesMatch(t *testing.T) {
	t.Parallel()

	s := StopSequences{Done: "Done.", NoResult: "None."}
	if r := s.Match("None."); r.Kind != FinishMatchingStop || r.Sequence != "None." {
		t.Fatalf("expected matching no-result, got %s", r)
	}
	if r := s.Match("\n\n"); r.Kind != FinishNonMatchingStop || r.Sequence != "\n\n" {
		t.Fatalf("expected non-matching, got %s", r)
	}
}

func TestStopSequencesClassify(t *testing.T) {
	t.Parallel()

	s := StopSequences{Done: "Done.", NoResult: "No qualifying URLs."}
	cases := []struct {
		name    string
		stops   StopSequences
		content string
		want    FinishReason
		out     string
	}{
		{"echoed done", s, "https://a.com Done.", MatchingStop("Done."), "https://a.com"},
		{"empty means no result", s, "  ", MatchingStop("No qualifying URLs."), ""},
		{"partial no result", s, "No qualifying URLs", MatchingStop("Done."), "No qualifying URLs"},
		{"stripped done", s, "https://a.com", MatchingStop("Done."), "https://a.com"},
		{"no sequences", StopSequences{}, "hello", EOS(), "hello"},
		{"only no result", StopSequences{NoResult: "None."}, "answer", NonMatchingStop(""), "answer"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, out := tc.stops.Classify(tc.content)
			if got != tc.want {
				t.Fatalf("reason = %s, want %s", got, tc.want)
			}
			if out != tc.out {
				t.Fatalf("content = %q, want %q", out, tc.out)
			}
		})
	}
}
