// Package pipeline routes a raw voice transcript through the asynchronous
// decision steps that end in a dispatched agent query or a pending session
// awaiting user input.
package pipeline

import (
	"strings"
	"unicode"

	"github.com/voxd-app/voxd/internal/config"
)

// Command is the voice command detected at the tail of a transcript.
type Command int

const (
	CmdNone Command = iota

	// CmdCancel discards the transcript entirely.
	CmdCancel

	// CmdSend continues the pipeline with the cleaned transcript and the
	// auto-send flag set.
	CmdSend

	// CmdTranscribe routes the cleaned transcript to the text-injection
	// path instead of creating a session.
	CmdTranscribe
)

// Detection is the result of voice-command matching.
type Detection struct {
	Command Command

	// Cleaned is the transcript with the matched phrase and any
	// immediately preceding punctuation stripped.
	Cleaned string
}

// DetectCommand scans the transcript's trailing words against the three
// disjoint phrase sets. Matching is case-insensitive and punctuation-
// normalized. Cancel is checked first: it is destructive and must win
// ties with the other sets. A transcript left empty by stripping is
// treated as cancel regardless of the detected type.
func DetectCommand(transcript string, voice config.VoiceSettings) Detection {
	sets := []struct {
		cmd     Command
		phrases []string
	}{
		{CmdCancel, voice.CancelPhrases},
		{CmdSend, voice.SendPhrases},
		{CmdTranscribe, voice.TranscribePhrases},
	}

	words := splitWords(transcript)

	for _, set := range sets {
		for _, phrase := range set.phrases {
			cleaned, ok := stripTrailingPhrase(transcript, words, phrase)
			if !ok {
				continue
			}
			if cleaned == "" {
				return Detection{Command: CmdCancel, Cleaned: ""}
			}
			return Detection{Command: set.cmd, Cleaned: cleaned}
		}
	}

	return Detection{Command: CmdNone, Cleaned: transcript}
}

// word is one whitespace-separated token with its byte offset in the source.
type word struct {
	norm  string
	start int
}

func splitWords(s string) []word {
	var words []word
	i := 0
	for i < len(s) {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i >= len(s) {
			break
		}
		start := i
		for i < len(s) && !isSpace(s[i]) {
			i++
		}
		if norm := normalizeWord(s[start:i]); norm != "" {
			words = append(words, word{norm: norm, start: start})
		}
	}
	return words
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// normalizeWord lowercases and drops punctuation so "Cancel," matches
// "cancel".
func normalizeWord(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// stripTrailingPhrase reports whether the transcript's trailing words match
// the phrase, and if so returns the transcript with the phrase and any
// trailing punctuation before it removed.
func stripTrailingPhrase(transcript string, words []word, phrase string) (string, bool) {
	phraseWords := splitWords(phrase)
	if len(phraseWords) == 0 || len(words) < len(phraseWords) {
		return "", false
	}

	tail := words[len(words)-len(phraseWords):]
	for i := range phraseWords {
		if tail[i].norm != phraseWords[i].norm {
			return "", false
		}
	}

	cleaned := transcript[:tail[0].start]
	cleaned = strings.TrimRightFunc(cleaned, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	return cleaned, true
}
