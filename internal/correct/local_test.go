package correct

import (
	"context"
	"strings"
	"testing"

	"github.com/tiroq/memoscribe/testutil"
)

func TestLocal_Correct(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		language string
		want     string
	}{
		{"empty", "   ", "en", ""},
		{"contraction and capital", "dont forget the report", "en", "Don't forget the report"},
		{"whitespace and pronoun", "  hello   world.  i think im ready  ", "", "Hello world. I think I'm ready"},
		{"apostrophe pronoun", "i'm here and i've seen it", "en-US", "I'm here and I've seen it"},
		{"sentence starts", "what? yes. no!", "auto", "What? Yes. No!"},
		{"abbreviation", "mr. smith arrived. he sat", "en", "Mr. smith arrived. He sat"},
		{"upper case kept", "DONT stop", "en", "DON'T stop"},
		{"punctuation preserved", "(dont) go, i said", "en", "(Don't) go, I said"},
		{"quoted sentence end", `he said "stop." then left`, "en", `He said "stop." Then left`},
		{"leading punctuation token", `- okay then`, "en", `- Okay then`},
		{"non-English untouched", "dont i. ja", "de", "Dont i. Ja"},
	}

	l := NewLocal()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.AssertEqual(t, tt.want, l.Correct(tt.raw, tt.language), "Correct")
		})
	}
}

func TestLocal_ParagraphBreaks(t *testing.T) {
	l := &Local{ParagraphWords: 4}
	got := l.Correct("one two three four. five six. seven", "en")
	testutil.AssertEqual(t, "One two three four.\n\nFive six. Seven", got, "paragraphs")

	// no break without a sentence end
	got = l.Correct("a b c d e f g", "en")
	testutil.AssertStringNotContains(t, got, "\n", "unterminated text")

	l.ParagraphWords = 0
	got = l.Correct(strings.Repeat("word. ", 200), "en")
	testutil.AssertStringNotContains(t, got, "\n", "breaks disabled")
}

func TestLocal_Summarize(t *testing.T) {
	tests := []struct {
		name string
		n    int
		text string
		want string
	}{
		{"first two", 2, "A b. C d! E f? G", "A b. C d!"},
		{"fewer sentences", 3, "Only one. And a tail", "Only one. And a tail"},
		{"no terminator", 3, "no end here", "no end here"},
		{"joins paragraphs", 2, "First.\n\nSecond. Third.", "First. Second."},
		{"empty", 3, "", ""},
		{"zero means one", 0, "One. Two.", "One."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &Local{SummarySentences: tt.n}
			testutil.AssertEqual(t, tt.want, l.Summarize(tt.text), "Summarize")
		})
	}
}

func TestLocal_ProcessNeverFails(t *testing.T) {
	res, err := NewLocal().Process(context.Background(), "so it begins. we ship friday", "en")
	testutil.AssertNoError(t, err, "Process")
	testutil.AssertEqual(t, "So it begins. We ship friday", res.Text, "text")
	testutil.AssertEqual(t, "So it begins. We ship friday", res.Summary, "summary")
}
