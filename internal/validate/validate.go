// Package validate enforces payload limits and derives the normalized and
// display forms of submitted code.
package validate

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	apperr "livetutor/arbiter/internal/pkg/errors"
	"livetutor/arbiter/internal/tutor"
)

type Config struct {
	MaxCodeBytes     int
	MaxQuestionChars int
	MaxLanguageChars int

	DisplayMaxLines  int
	DisplayHeadLines int
	DisplayTailLines int
}

func DefaultConfig() Config {
	return Config{
		MaxCodeBytes:     100 * 1024,
		MaxQuestionChars: 1000,
		MaxLanguageChars: 50,
		DisplayMaxLines:  500,
		DisplayHeadLines: 350,
		DisplayTailLines: 150,
	}
}

type Validator struct {
	cfg Config
	v   *validator.Validate

	codeTag     string
	questionTag string
	languageTag string
}

func New(cfg Config) *Validator {
	def := DefaultConfig()
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = def.MaxCodeBytes
	}
	if cfg.MaxQuestionChars <= 0 {
		cfg.MaxQuestionChars = def.MaxQuestionChars
	}
	if cfg.MaxLanguageChars <= 0 {
		cfg.MaxLanguageChars = def.MaxLanguageChars
	}
	if cfg.DisplayMaxLines <= 0 {
		cfg.DisplayMaxLines = def.DisplayMaxLines
	}
	if cfg.DisplayHeadLines <= 0 {
		cfg.DisplayHeadLines = def.DisplayHeadLines
	}
	if cfg.DisplayTailLines <= 0 {
		cfg.DisplayTailLines = def.DisplayTailLines
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	// "max" on strings counts runes; code is limited in bytes.
	_ = v.RegisterValidation("maxbytes", validateMaxBytes)

	return &Validator{
		cfg:         cfg,
		v:           v,
		codeTag:     "maxbytes=" + strconv.Itoa(cfg.MaxCodeBytes),
		questionTag: "max=" + strconv.Itoa(cfg.MaxQuestionChars),
		languageTag: "max=" + strconv.Itoa(cfg.MaxLanguageChars),
	}
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	limit, err := strconv.Atoi(fl.Param())
	if err != nil {
		return false
	}
	return len(fl.Field().String()) <= limit
}

// Validate fails with VALIDATION_ERROR when any field exceeds its ceiling.
func (v *Validator) Validate(req tutor.Request) error {
	if err := v.v.Var(req.Code, v.codeTag); err != nil {
		return apperr.Validation(fmt.Sprintf("submitted code exceeds the %s limit", formatBytes(v.cfg.MaxCodeBytes)))
	}
	if err := v.v.Var(req.Question, v.questionTag); err != nil {
		return apperr.Validation(fmt.Sprintf("questions are limited to %d characters", v.cfg.MaxQuestionChars))
	}
	if err := v.v.Var(req.Language, v.languageTag); err != nil {
		return apperr.Validation(fmt.Sprintf("language tag is limited to %d characters", v.cfg.MaxLanguageChars))
	}
	return nil
}

// Display is the prompt form of code, see Truncate.
func (v *Validator) Display(code string) string {
	return Truncate(code, v.cfg.DisplayMaxLines, v.cfg.DisplayHeadLines, v.cfg.DisplayTailLines)
}

func formatBytes(n int) string {
	if n%1024 == 0 {
		return strconv.Itoa(n/1024) + " KiB"
	}
	return strconv.Itoa(n) + " bytes"
}

// Normalize collapses formatting differences that do not change the program:
// line endings, trailing whitespace, runs of blanks inside a line and empty
// lines. Leading indentation is kept as its width (a tab counts as
// tabWidth columns) so re-indenting code still counts as a change.
func Normalize(code string) string {
	code = strings.ReplaceAll(code, "\r\n", "\n")
	code = strings.ReplaceAll(code, "\r", "\n")

	var b strings.Builder
	b.Grow(len(code))
	for _, line := range strings.Split(code, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.Repeat(" ", indentWidth(line)))
		for i, f := range fields {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(f)
		}
	}
	return b.String()
}

const tabWidth = 4

func indentWidth(line string) int {
	w := 0
	for _, r := range line {
		switch r {
		case ' ':
			w++
		case '\t':
			w += tabWidth - w%tabWidth
		default:
			if !unicode.IsSpace(r) {
				return w
			}
			w++
		}
	}
	return w
}

// Truncate keeps the first head and last tail lines of code when it has more
// than maxLines lines, joined by a marker noting how many lines were omitted.
// A final newline ends the last line; it is not a line of its own.
func Truncate(code string, maxLines, head, tail int) string {
	body, final := strings.CutSuffix(code, "\n")
	lines := strings.Split(body, "\n")
	if len(lines) <= maxLines || head+tail >= len(lines) {
		return code
	}
	omitted := len(lines) - head - tail

	var b strings.Builder
	b.Grow(len(code))
	b.WriteString(strings.Join(lines[:head], "\n"))
	b.WriteString(fmt.Sprintf("\n... (%d lines omitted) ...\n", omitted))
	b.WriteString(strings.Join(lines[len(lines)-tail:], "\n"))
	if final {
		b.WriteByte('\n')
	}
	return b.String()
}
