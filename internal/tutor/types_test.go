package tutor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jsonpkg "livetutor/arbiter/internal/pkg/json"
)

func i64(v int64) *int64 { return &v }
func ip(v int) *int       { return &v }

func TestParseTrigger(t *testing.T) {
	assert.Equal(t, Automatic, ParseTrigger("auto"))
	assert.Equal(t, Automatic, ParseTrigger(" AUTO "))
	assert.Equal(t, Explicit, ParseTrigger("USER"))
	assert.Equal(t, Explicit, ParseTrigger(""))
	assert.Equal(t, Explicit, ParseTrigger("whatever"))
}

func TestParseTier(t *testing.T) {
	assert.Equal(t, TierPro, ParseTier("PRO"))
	assert.Equal(t, TierBasic, ParseTier("basic"))
	assert.Equal(t, TierNone, ParseTier("free"))
	assert.Equal(t, TierNone, ParseTier(""))
	assert.Equal(t, TierNone, ParseTier("platinum"))
}

func TestInbound_DecodesStringAndNumericUserIDs(t *testing.T) {
	var a, b, c Inbound
	require.NoError(t, jsonpkg.Unmarshal([]byte(`{"userId":"u-7","code":"x"}`), &a))
	require.NoError(t, jsonpkg.Unmarshal([]byte(`{"userId":1234,"code":"x"}`), &b))
	require.NoError(t, jsonpkg.Unmarshal([]byte(`{"userId":null,"code":"x"}`), &c))

	assert.Equal(t, UserRef("u-7"), a.UserID)
	assert.Equal(t, UserRef("1234"), b.UserID)
	assert.Equal(t, UserRef(""), c.UserID)
}

func TestOutbound_WireShape(t *testing.T) {
	req := NewRequest(Inbound{ProblemID: i64(12), TriggerType: "auto"}, "u1")
	b, err := jsonpkg.Marshal(req.Reply(TypeHint, "check the base case"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"HINT","triggerType":"AUTO","problemId":12,"userId":"u1","content":"check the base case"}`, string(b))
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "problem.12", Topic(i64(12)))
	assert.Equal(t, DefaultTopic, Topic(nil))
}

func TestJudgeSignature(t *testing.T) {
	r := Request{JudgeResult: "WA", PassedCount: ip(3), TotalCount: ip(5)}
	assert.Equal(t, "WA|3/5", r.JudgeSignature())
	assert.Equal(t, "|/", Request{}.JudgeSignature())
}

func TestFingerprint(t *testing.T) {
	base := Request{UserID: "u1", ProblemID: i64(1), Trigger: Explicit, Question: "why?"}

	same := base
	same.Question = "  why?  "
	assert.Equal(t, Fingerprint(base, "code"), Fingerprint(same, "code"))

	other := base
	other.Question = "how?"
	assert.NotEqual(t, Fingerprint(base, "code"), Fingerprint(other, "code"))
	assert.NotEqual(t, Fingerprint(base, "code"), Fingerprint(base, "code2"))

	otherUser := base
	otherUser.UserID = "u2"
	assert.NotEqual(t, Fingerprint(base, "code"), Fingerprint(otherUser, "code"))

	auto := Request{UserID: "u1", ProblemID: i64(1), Trigger: Automatic, JudgeResult: "WA", PassedCount: ip(1), TotalCount: ip(2)}
	autoNewJudge := auto
	autoNewJudge.PassedCount = ip(2)
	assert.NotEqual(t, Fingerprint(auto, "code"), Fingerprint(autoNewJudge, "code"))

	autoQuestion := auto
	autoQuestion.Question = "ignored for automatic"
	assert.Equal(t, Fingerprint(auto, "code"), Fingerprint(autoQuestion, "code"))
}

func TestUserIDContext(t *testing.T) {
	_, ok := UserIDFrom(context.Background())
	assert.False(t, ok)

	ctx := WithUserID(context.Background(), "u9")
	got, ok := UserIDFrom(ctx)
	assert.True(t, ok)
	assert.Equal(t, "u9", got)

	assert.Equal(t, context.Background(), WithUserID(context.Background(), ""))
}
