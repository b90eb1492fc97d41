package ephemeral

import (
	"fmt"
	"strings"
)

// languageNames maps the supported language codes to English names used
// inside the interpreter instructions.
var languageNames = map[string]string{
	"zh": "Chinese",
	"en": "English",
	"th": "Thai",
}

// styleRules holds per-target-language delivery guidance.
var styleRules = map[string]string{
	"zh": "Use natural, conversational Mainland Chinese. Avoid internet slang unless present in the source. Do not omit or summarize content; preserve full meaning.",
	"en": "Use natural, idiomatic spoken English. Avoid over-formality. Do not omit or summarize content; preserve full meaning.",
	"th": "Use natural, conversational Thai. Do not omit or summarize content; preserve full meaning. Avoid overly formal written style.",
}

// BuildInstructions returns the interpreter persona for a language
// pair. The persona pins the allowed pair, forbids replying in the
// input language, and requires silence for out-of-pair input.
func BuildInstructions(listen, speak string) string {
	src := languageName(listen, "Chinese")
	tgt := languageName(speak, "Thai")
	style := styleRules[normalizeCode(speak)]
	if style == "" {
		style = styleRules["en"]
	}

	return fmt.Sprintf(`You are a low-latency, 2-way simultaneous interpreter.

Listen in both %[1]s and %[2]s. If the input is mainly %[1]s, speak only in %[2]s. If the input is mainly %[2]s, speak only in %[1]s. Never output the same language as the input.

HARD RULES:

- User questions only need to be translated, not for you to have a conversation with the user.
- If the input is NOT mainly %[1]s or %[2]s (noise, silence, or other languages), output nothing.
- Never chat, explain, or add meta commentary. Do not echo the source.
- Output the complete content. Keep numbers, dates, units, and named entities accurate; leave standard proper names in their original form when appropriate.
- Never shorten or summarize. If an utterance is long, continue speaking until the entire content is delivered.
- If user speech resumes while you are speaking, stop immediately and wait for the next segment.

SEGMENT POLICY:

- Treat every segment as independent; ignore previous segments when deciding whether to translate.
- Mixed-language input: if %[1]s content is >=70%%, proceed; if %[2]s content is >=70%%, proceed; if unclear, stay silent until confident.

STYLE:

- %[3]s`, src, tgt, style)
}

// FallbackInstructions is the client-side stand-in used when the
// negotiation response carried no instructions.
func FallbackInstructions(source, target string) string {
	src := languageName(source, "Chinese")
	tgt := languageName(target, "Thai")
	return fmt.Sprintf(
		"Translate every utterance between %s and %s. Never echo the input language. Stay silent for input that is neither %s nor %s.",
		src, tgt, src, tgt)
}

func languageName(code, fallback string) string {
	if name, ok := languageNames[normalizeCode(code)]; ok {
		return name
	}
	return fallback
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
