// Package locale maps the app's short language codes to recogniser locale tags.
package locale

import "strings"

// DefaultTag is used for any language code missing from the table.
const DefaultTag = "en-US"

var tags = map[string]string{
	"en":  "en-US",
	"es":  "es-ES",
	"zh":  "zh-CN",
	"yue": "zh-HK",
	"ja":  "ja-JP",
	"ko":  "ko-KR",
	"vi":  "vi-VN",
	"tl":  "fil-PH",
	"fr":  "fr-FR",
	"de":  "de-DE",
	"it":  "it-IT",
	"pt":  "pt-BR",
	"ru":  "ru-RU",
	"ar":  "ar-SA",
	"hi":  "hi-IN",
}

// Tag returns the locale tag for a language code, or DefaultTag.
func Tag(code string) string {
	if tag, ok := tags[Normalize(code)]; ok {
		return tag
	}
	return DefaultTag
}

// Normalize lowercases and trims a language code. An empty code becomes "en".
func Normalize(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return "en"
	}
	return code
}

// IsEnglish reports whether the code resolves to English.
func IsEnglish(code string) bool {
	return Normalize(code) == "en"
}
