package voicemail

import "regexp"

// Verdict is the outcome of transcript classification.
type Verdict string

const (
	VerdictHuman   Verdict = "human"
	VerdictMachine Verdict = "machine"
)

// patterns are ordered roughly by how often each phrase shows up in real
// voicemail greetings. Matching stops at the first hit.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)leave\s*(a\s*)?(message|voicemail)`),
	regexp.MustCompile(`(?i)not\s*(available|here)`),
	regexp.MustCompile(`(?i)after\s*the\s*(tone|beep)`),
	regexp.MustCompile(`(?i)reached\s*(the\s*)?(voicemail|mailbox)`),
	regexp.MustCompile(`(?i)please\s*leave`),
	regexp.MustCompile(`(?i)call\s*you\s*back`),
	regexp.MustCompile(`(?i)can't\s*(come|get)\s*to\s*the\s*phone`),
	regexp.MustCompile(`(?i)at\s*the\s*tone`),
}

// Classify maps an accumulated call transcript to a human/voicemail verdict.
// It is pure and deterministic: identical input always yields the same
// verdict, which is what makes transcript-based detection more trustworthy
// than acoustic AMD when the two disagree.
func Classify(transcript string) Verdict {
	for _, p := range patterns {
		if p.MatchString(transcript) {
			return VerdictMachine
		}
	}
	return VerdictHuman
}
