// Package translation defines the translator used between buyers and
// vendors who prefer different languages, plus script-based language
// detection. The bundled Tagger only marks text with the target language;
// a real machine-translation backend plugs in behind Translator.
package translation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/mbd888/mandi/internal/users"
)

// ErrUnsupportedLanguage is returned for language codes outside users.SupportedLanguages.
var ErrUnsupportedLanguage = errors.New("translation: unsupported language")

// Result is a translation with the backend's confidence in [0, 1].
type Result struct {
	TranslatedText string  `json:"translatedText"`
	Confidence     float64 `json:"confidence"`
}

// Translator translates text between two supported language codes.
type Translator interface {
	Translate(ctx context.Context, text, from, to string) (Result, error)
}

// Confidence values reported by the bundled translator.
const (
	ConfidenceIdentical = 1.0
	ConfidenceTagged    = 0.85
	ConfidenceFailed    = 0.1
)

// Tagger prefixes text with the upper-cased target language, e.g.
// "[TA] fresh tomatoes". Numbers and rupee amounts pass through untouched.
type Tagger struct{}

// Translate implements Translator.
func (Tagger) Translate(_ context.Context, text, from, to string) (Result, error) {
	if !users.IsSupportedLanguage(from) || !users.IsSupportedLanguage(to) {
		return Result{}, fmt.Errorf("%w: %s>%s", ErrUnsupportedLanguage, from, to)
	}
	if from == to || isAmount(text) {
		return Result{TranslatedText: text, Confidence: ConfidenceIdentical}, nil
	}
	return Result{
		TranslatedText: "[" + strings.ToUpper(to) + "] " + text,
		Confidence:     ConfidenceTagged,
	}, nil
}

func isAmount(text string) bool {
	if strings.Contains(text, "₹") || strings.Contains(text, "Rs") {
		return true
	}
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	dot := false
	for i, r := range t {
		switch {
		case r >= '0' && r <= '9':
		case r == '.' && !dot && i > 0 && i < len(t)-1:
			dot = true
		default:
			return false
		}
	}
	return true
}

// scriptOrder is checked in order; the first script present in the text wins.
var scriptOrder = []struct {
	table *unicode.RangeTable
	code  string
}{
	{unicode.Devanagari, "hi"},
	{unicode.Bengali, "bn"},
	{unicode.Telugu, "te"},
	{unicode.Tamil, "ta"},
	{unicode.Gujarati, "gu"},
	{unicode.Kannada, "kn"},
	{unicode.Malayalam, "ml"},
	{unicode.Gurmukhi, "pa"},
	{unicode.Oriya, "or"},
}

// DetectLanguage guesses a language code from the scripts used in text.
// Plain ASCII prose is English; anything undecided is Hindi.
func DetectLanguage(text string) string {
	if isPlainEnglish(text) {
		return "en"
	}
	for _, s := range scriptOrder {
		for _, r := range text {
			if unicode.Is(s.table, r) {
				return s.code
			}
		}
	}
	return users.DefaultLanguage
}

func isPlainEnglish(text string) bool {
	if text == "" {
		return false
	}
	for _, r := range text {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case unicode.IsSpace(r) && r < unicode.MaxASCII:
		case r == '.' || r == ',' || r == '!' || r == '?':
		default:
			return false
		}
	}
	return true
}

// Language describes a supported language.
type Language struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	NativeName string `json:"nativeName"`
}

var englishNames = map[string]string{
	"hi": "Hindi",
	"en": "English",
	"bn": "Bengali",
	"te": "Telugu",
	"mr": "Marathi",
	"ta": "Tamil",
	"gu": "Gujarati",
	"kn": "Kannada",
	"ml": "Malayalam",
	"pa": "Punjabi",
	"or": "Odia",
	"as": "Assamese",
}

// Languages lists the supported languages in display order.
func Languages() []Language {
	out := make([]Language, 0, len(users.SupportedLanguages))
	for _, code := range users.SupportedLanguages {
		tag := language.MustParse(code)
		out = append(out, Language{
			Code:       code,
			Name:       englishNames[code],
			NativeName: display.Self.Name(tag),
		})
	}
	return out
}
