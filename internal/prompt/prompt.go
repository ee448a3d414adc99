// Package prompt turns an admitted request into the system instructions and
// user prompt sent to the completion backend.
package prompt

import (
	"fmt"
	"strings"

	"livetutor/arbiter/internal/tutor"
)

type Prompt struct {
	System string
	User   string
}

const (
	systemExplicit = `You are a programming tutor helping a student solve a competitive programming problem.
Answer the student's question about their own code. Point at the relevant lines and explain the idea.
Never write the full solution. Keep the answer under 200 words.`

	systemAutomatic = `You are a programming tutor watching a student work on a competitive programming problem.
Give one short, concrete hint about the most likely mistake in the current code.
Never write code for the student. Reply in at most three sentences.`
)

// Displayer shortens code for inclusion in a prompt.
type Displayer interface {
	Display(code string) string
}

type Builder struct {
	display Displayer
}

func NewBuilder(d Displayer) *Builder {
	return &Builder{display: d}
}

func (b *Builder) Build(r tutor.Request) Prompt {
	var sb strings.Builder

	if r.ProblemID != nil {
		fmt.Fprintf(&sb, "Problem: #%d\n", *r.ProblemID)
	}
	lang := r.Language
	if lang == "" {
		lang = "text"
	}
	fmt.Fprintf(&sb, "Language: %s\n", lang)
	if judge := judgeSummary(r); judge != "" {
		fmt.Fprintf(&sb, "Judge: %s\n", judge)
	}

	code := r.Code
	if b.display != nil {
		code = b.display.Display(code)
	}
	fmt.Fprintf(&sb, "\nCode:\n```%s\n%s\n```\n", lang, strings.TrimRight(code, "\n"))

	system := systemAutomatic
	if r.Trigger == tutor.Explicit {
		system = systemExplicit
		if q := strings.TrimSpace(r.Question); q != "" {
			fmt.Fprintf(&sb, "\nQuestion:\n%s\n", q)
		}
	}
	return Prompt{System: system, User: sb.String()}
}

func judgeSummary(r tutor.Request) string {
	if r.JudgeResult == "" && r.PassedCount == nil {
		return ""
	}
	parts := make([]string, 0, 2)
	if r.JudgeResult != "" {
		parts = append(parts, r.JudgeResult)
	}
	if r.PassedCount != nil && r.TotalCount != nil {
		parts = append(parts, fmt.Sprintf("%d/%d tests passed", *r.PassedCount, *r.TotalCount))
	} else if r.PassedCount != nil {
		parts = append(parts, fmt.Sprintf("%d tests passed", *r.PassedCount))
	}
	return strings.Join(parts, ", ")
}
