package prompt

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"livetutor/arbiter/internal/tutor"
	"livetutor/arbiter/internal/validate"
)

func ptr[T any](v T) *T { return &v }

func TestBuild_Explicit(t *testing.T) {
	b := NewBuilder(validate.New(validate.DefaultConfig()))
	p := b.Build(tutor.Request{
		ProblemID: ptr(int64(1000)),
		Trigger:   tutor.Explicit,
		Language:  "go",
		Code:      "package main\n",
		Question:  "  why is this slow?  ",
	})

	assert.Equal(t, systemExplicit, p.System)
	assert.Contains(t, p.User, "Problem: #1000\n")
	assert.Contains(t, p.User, "```go\npackage main\n```")
	assert.True(t, strings.HasSuffix(p.User, "Question:\nwhy is this slow?\n"))
	assert.NotContains(t, p.User, "Judge:")
}

func TestBuild_Automatic(t *testing.T) {
	b := NewBuilder(nil)
	p := b.Build(tutor.Request{
		Trigger:     tutor.Automatic,
		Code:        "x",
		Question:    "ignored",
		JudgeResult: "WA",
		PassedCount: ptr(3),
		TotalCount:  ptr(5),
	})

	assert.Equal(t, systemAutomatic, p.System)
	assert.Contains(t, p.User, "Language: text\n")
	assert.Contains(t, p.User, "Judge: WA, 3/5 tests passed\n")
	assert.NotContains(t, p.User, "Question")
	assert.NotContains(t, p.User, "Problem:")
}

func TestBuild_TruncatesLongCode(t *testing.T) {
	lines := make([]string, 1000)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i+1)
	}
	b := NewBuilder(validate.New(validate.DefaultConfig()))
	p := b.Build(tutor.Request{Trigger: tutor.Explicit, Language: "py", Code: strings.Join(lines, "\n")})

	assert.Contains(t, p.User, "line 350\n... (500 lines omitted) ...\nline 851\n")
	assert.NotContains(t, p.User, "line 351\n")
	assert.NotContains(t, p.User, "line 850\n")
	assert.Contains(t, p.User, "line 1000\n```")
}
