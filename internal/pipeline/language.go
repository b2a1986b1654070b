package pipeline

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

const autoKeyword = "auto"

// Selection is the language a run was asked for: AutoDetect, or one
// explicit ISO 639-1 code. The zero value is AutoDetect.
type Selection struct {
	explicit bool
	code     string
}

// AutoDetect asks the recognition model to detect the spoken language.
var AutoDetect = Selection{}

// Explicit selects code, normalised to its base language ("pt-BR" -> "pt",
// "eng" -> "en"). Blank or unknown codes are rejected.
func Explicit(code string) (Selection, error) {
	normalized, err := NormalizeLanguageCode(code)
	if err != nil {
		return Selection{}, err
	}
	return Selection{explicit: true, code: normalized}, nil
}

// ParseSelection maps UI input to a Selection: blank and "auto" mean
// AutoDetect, anything else must be a valid language code.
func ParseSelection(raw string) (Selection, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" || trimmed == autoKeyword {
		return AutoDetect, nil
	}
	return Explicit(trimmed)
}

func (s Selection) IsAuto() bool {
	return !s.explicit
}

// Code returns the explicit language code, if any.
func (s Selection) Code() (string, bool) {
	return s.code, s.explicit
}

func (s Selection) String() string {
	if !s.explicit {
		return autoKeyword
	}
	return s.code
}

func (s Selection) validate() error {
	if s.explicit && strings.TrimSpace(s.code) == "" {
		return &ConfigError{Field: "language", Reason: "explicit language code is blank"}
	}
	return nil
}

// NormalizeLanguageCode returns the ISO 639-1 base code for a BCP 47 tag.
func NormalizeLanguageCode(code string) (string, error) {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return "", &ConfigError{Field: "language", Reason: "explicit language code is blank"}
	}
	tag, err := language.Parse(trimmed)
	if err != nil {
		return "", &ConfigError{Field: "language", Reason: "unknown language code " + quote(trimmed)}
	}
	base, confidence := tag.Base()
	if confidence == language.No {
		return "", &ConfigError{Field: "language", Reason: "unknown language code " + quote(trimmed)}
	}
	return base.String(), nil
}

// LanguageName is the English display name of code, or code itself when it
// has none.
func LanguageName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return code
}

type languageState uint8

const (
	languagePending languageState = iota
	languageExplicit
	languageResolved
)

// runLanguage is the language a run works with. It starts Explicit or
// Pending and a Pending language becomes Resolved at most once, when
// recognition reports it.
type runLanguage struct {
	state languageState
	code  string
}

func newRunLanguage(sel Selection) runLanguage {
	if code, ok := sel.Code(); ok {
		return runLanguage{state: languageExplicit, code: code}
	}
	return runLanguage{state: languagePending}
}

func (l runLanguage) known() (string, bool) {
	return l.code, l.state != languagePending
}

// resolve records the detected language as its base code ("en-US" -> "en")
// so it matches explicit selections and cached alignment models. Codes the
// parser rejects are kept lowercased.
func (l runLanguage) resolve(detected string) runLanguage {
	detected = strings.TrimSpace(detected)
	if l.state != languagePending || detected == "" {
		return l
	}
	code, err := NormalizeLanguageCode(detected)
	if err != nil {
		code = strings.ToLower(detected)
	}
	return runLanguage{state: languageResolved, code: code}
}

func (l runLanguage) source() string {
	switch l.state {
	case languageExplicit:
		return "explicit"
	case languageResolved:
		return "detected"
	default:
		return ""
	}
}

func quote(s string) string {
	return `"` + s + `"`
}
