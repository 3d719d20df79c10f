package correct

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Local applies deterministic English clean-up rules. It never changes which
// words were spoken: only spacing, capitalization, apostrophes and paragraph
// breaks.
type Local struct {
	ParagraphWords   int // break after the first sentence end once this many words accumulate
	SummarySentences int // sentences kept by Summarize
}

// NewLocal returns a Local with the default thresholds.
func NewLocal() *Local {
	return &Local{ParagraphWords: 60, SummarySentences: 3}
}

// Name identifies the processor in logs.
func (l *Local) Name() string { return "local" }

// Process implements Processor. It never fails.
func (l *Local) Process(_ context.Context, raw, language string) (Result, error) {
	text := l.Correct(raw, language)
	return Result{Text: text, Summary: l.Summarize(text)}, nil
}

// contractions restores the apostrophe the recognizer dropped.
var contractions = map[string]string{
	"dont":     "don't",
	"cant":     "can't",
	"wont":     "won't",
	"isnt":     "isn't",
	"arent":    "aren't",
	"wasnt":    "wasn't",
	"werent":   "weren't",
	"doesnt":   "doesn't",
	"didnt":    "didn't",
	"hasnt":    "hasn't",
	"havent":   "haven't",
	"hadnt":    "hadn't",
	"couldnt":  "couldn't",
	"shouldnt": "shouldn't",
	"wouldnt":  "wouldn't",
	"mustnt":   "mustn't",
	"neednt":   "needn't",
	"im":       "I'm",
	"ive":      "I've",
	"youre":    "you're",
	"theyre":   "they're",
	"thats":    "that's",
	"whats":    "what's",
}

// abbreviations end in a period without ending the sentence.
var abbreviations = map[string]bool{
	"mr.": true, "mrs.": true, "ms.": true, "dr.": true, "st.": true,
	"e.g.": true, "i.e.": true, "etc.": true, "vs.": true,
}

// Correct normalizes whitespace, repairs contractions and the pronoun "I"
// (English only), capitalizes sentence starts and inserts a paragraph break
// after the first sentence end once ParagraphWords words have accumulated.
func (l *Local) Correct(raw, language string) string {
	tokens := strings.Fields(raw)
	if len(tokens) == 0 {
		return ""
	}
	english := isEnglish(language)

	var b strings.Builder
	capitalize := true
	words := 0
	for i, tok := range tokens {
		if english {
			tok = repairToken(tok)
		}
		if capitalize {
			var done bool
			tok, done = capitalizeFirst(tok)
			capitalize = !done
		}
		b.WriteString(tok)
		words++

		end := endsSentence(tok)
		if end {
			capitalize = true
		}
		if i == len(tokens)-1 {
			break
		}
		if end && l.ParagraphWords > 0 && words >= l.ParagraphWords {
			b.WriteString("\n\n")
			words = 0
		} else {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// Summarize returns the first SummarySentences sentences of text on one line.
func (l *Local) Summarize(text string) string {
	n := l.SummarySentences
	if n <= 0 {
		n = 1
	}
	var out []string
	var cur []string
	for _, tok := range strings.Fields(text) {
		cur = append(cur, tok)
		if endsSentence(tok) {
			out = append(out, strings.Join(cur, " "))
			cur = cur[:0]
			if len(out) == n {
				break
			}
		}
	}
	if len(out) < n && len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return strings.Join(out, " ")
}

func isEnglish(language string) bool {
	lang := strings.ToLower(language)
	return lang == "" || lang == "auto" || lang == "en" || strings.HasPrefix(lang, "en-") || strings.HasPrefix(lang, "en_")
}

// repairToken fixes one whitespace-delimited token, leaving surrounding
// punctuation in place.
func repairToken(tok string) string {
	lead, core, trail := splitPunct(tok)
	if core == "" {
		return tok
	}
	lower := strings.ToLower(core)
	switch {
	case lower == "i":
		core = "I"
	case strings.HasPrefix(lower, "i'") && len(lower) <= 4:
		// i'm, i've, i'll, i'd
		core = "I" + core[1:]
	default:
		if fixed, ok := contractions[lower]; ok {
			core = matchCase(core, fixed)
		}
	}
	return lead + core + trail
}

// splitPunct separates leading and trailing non-alphanumeric runes.
func splitPunct(tok string) (lead, core, trail string) {
	isWord := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }
	start := strings.IndexFunc(tok, isWord)
	if start < 0 {
		return tok, "", ""
	}
	end := strings.LastIndexFunc(tok, isWord)
	_, size := utf8.DecodeRuneInString(tok[end:])
	return tok[:start], tok[start : end+size], tok[end+size:]
}

// matchCase applies the capitalization pattern of src to repl.
func matchCase(src, repl string) string {
	if strings.ToUpper(src) == src && len(src) > 1 {
		return strings.ToUpper(repl)
	}
	r, _ := utf8.DecodeRuneInString(src)
	if unicode.IsUpper(r) {
		c, _ := capitalizeFirst(repl)
		return c
	}
	return repl
}

// capitalizeFirst upper-cases the first letter of tok. done reports whether
// tok contained a letter or digit, i.e. whether it started the sentence.
func capitalizeFirst(tok string) (string, bool) {
	for i, r := range tok {
		if unicode.IsLetter(r) {
			_, size := utf8.DecodeRuneInString(tok[i:])
			return tok[:i] + string(unicode.ToUpper(r)) + tok[i+size:], true
		}
		if unicode.IsDigit(r) {
			return tok, true
		}
	}
	return tok, false
}

func endsSentence(tok string) bool {
	t := strings.TrimRight(tok, `"')]`+"”’")
	if t == "" || abbreviations[strings.ToLower(t)] {
		return false
	}
	switch {
	case strings.HasSuffix(t, "."), strings.HasSuffix(t, "!"), strings.HasSuffix(t, "?"), strings.HasSuffix(t, "…"):
		return true
	}
	return false
}
