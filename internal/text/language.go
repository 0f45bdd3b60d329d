package text

import (
	"regexp"
	"strings"
	"unicode"
)

// DefaultLanguage is reported when no other language is recognised.
const DefaultLanguage = "en"

// scriptLanguages maps scripts that identify a language on their own. Order
// matters: kana is checked before Han so mixed Japanese text is not taken for
// Chinese.
var scriptLanguages = []struct {
	table    *unicode.RangeTable
	language string
}{
	{table: unicode.Hangul, language: "ko"},
	{table: unicode.Hiragana, language: "ja"},
	{table: unicode.Katakana, language: "ja"},
	{table: unicode.Han, language: "zh"},
	{table: unicode.Cyrillic, language: "ru"},
	{table: unicode.Arabic, language: "ar"},
	{table: unicode.Devanagari, language: "hi"},
	{table: unicode.Greek, language: "el"},
}

// vietnameseLetters holds letters that only Vietnamese uses among the
// supported Latin-script languages.
const vietnameseLetters = "ăắằẳẵặấầẩẫậđếềểễệốồổỗộơớờởỡợưứừửữựảạẻẽẹỉĩịỏọủũụỳỷỹỵ"

type latinProfile struct {
	language  string
	letters   string
	stopwords *regexp.Regexp
}

var latinProfiles = []latinProfile{
	{
		language:  "es",
		letters:   "ñ¿¡",
		stopwords: regexp.MustCompile(`\b(que|el|los|las|es|una|por|para|con|del|pero)\b`),
	},
	{
		language:  "fr",
		letters:   "çèêëîïœù",
		stopwords: regexp.MustCompile(`\b(le|les|est|et|une|pour|avec|dans|vous|nous|pas)\b`),
	},
	{
		language:  "de",
		letters:   "äöüß",
		stopwords: regexp.MustCompile(`\b(der|die|das|und|ist|ein|eine|mit|nicht|ich|auf)\b`),
	},
	{
		language:  "it",
		letters:   "ìò",
		stopwords: regexp.MustCompile(`\b(il|gli|che|sono|della|per|non|questo|molto)\b`),
	},
	{
		language:  "pt",
		letters:   "ãõ",
		stopwords: regexp.MustCompile(`\b(uma|com|para|muito|obrigado|isso|mais)\b`),
	},
}

// minimumLatinScore is the evidence required before a Latin-script text is
// reported as something other than English.
const minimumLatinScore = 2

// DetectLanguage makes a best-effort guess at the ISO-639-1 language of text.
// Distinctive scripts decide first; Latin-script texts are scored on
// characteristic letters and common words.
func DetectLanguage(input string) string {
	lowered := strings.ToLower(input)

	for _, script := range scriptLanguages {
		if containsScript(lowered, script.table) {
			return script.language
		}
	}

	if strings.ContainsAny(lowered, vietnameseLetters) {
		return "vi"
	}

	best := DefaultLanguage
	bestScore := minimumLatinScore - 1

	for _, profile := range latinProfiles {
		score := latinScore(lowered, profile)
		if score > bestScore {
			best = profile.language
			bestScore = score
		}
	}

	return best
}

func containsScript(input string, table *unicode.RangeTable) bool {
	for _, r := range input {
		if unicode.Is(table, r) {
			return true
		}
	}

	return false
}

func latinScore(lowered string, profile latinProfile) int {
	score := 0

	for _, letter := range profile.letters {
		if strings.ContainsRune(lowered, letter) {
			score += 2
		}
	}

	score += len(profile.stopwords.FindAllStringIndex(lowered, -1))

	return score
}
