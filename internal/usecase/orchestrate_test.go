package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptfuse/promptfuse/internal/config"
	"github.com/promptfuse/promptfuse/internal/domain"
)

// scriptedReply is one canned outcome for a fake model.
type scriptedReply struct {
	answer string
	err    error
	delay  time.Duration
}

// fakeClient scripts replies per model id and records every call.
type fakeClient struct {
	mu      sync.Mutex
	replies map[string]scriptedReply
	calls   []fakeCall
}

type fakeCall struct {
	modelID  string
	messages []domain.Message
	timeout  time.Duration
	opts     domain.CallOptions
}

func newFakeClient() *fakeClient {
	return &fakeClient{replies: map[string]scriptedReply{}}
}

func (f *fakeClient) script(modelID, answer string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[modelID] = scriptedReply{answer: answer, err: err}
}

func (f *fakeClient) scriptSlow(modelID, answer string, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[modelID] = scriptedReply{answer: answer, delay: delay}
}

func (f *fakeClient) CallModel(ctx domain.Context, modelID string, messages []domain.Message, timeout time.Duration, opts domain.CallOptions) (domain.ModelReply, error) {
	f.mu.Lock()
	r, ok := f.replies[modelID]
	f.calls = append(f.calls, fakeCall{modelID: modelID, messages: messages, timeout: timeout, opts: opts})
	f.mu.Unlock()
	if !ok {
		return domain.ModelReply{}, fmt.Errorf("%w: unscripted model %s", domain.ErrRemote, modelID)
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return domain.ModelReply{}, fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
		}
	}
	if r.err != nil {
		return domain.ModelReply{}, r.err
	}
	return domain.ModelReply{Answer: r.answer, LatencyMs: 5}, nil
}

func (f *fakeClient) CallModelWithRetry(ctx domain.Context, modelID string, messages []domain.Message, timeout time.Duration, opts domain.CallOptions, _ int) (domain.ModelReply, error) {
	return f.CallModel(ctx, modelID, messages, timeout, opts)
}

func (f *fakeClient) GenerateImage(_ domain.Context, _ string) (domain.ImageResult, error) {
	return domain.ImageResult{}, domain.ErrUnsupportedImage
}

func (f *fakeClient) callsFor(modelID string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []fakeCall{}
	for _, c := range f.calls {
		if c.modelID == modelID {
			out = append(out, c)
		}
	}
	return out
}

func testConfig() config.Config {
	return config.Config{
		Models:                  []string{"m1", "m2", "m3"},
		JudgeModel:              "judge",
		PerModelTimeoutMs:       1000,
		JudgeTimeoutMs:          1000,
		DebateTimeoutMs:         1000,
		JudgeFeedbackTimeoutMs:  1000,
		ResearchModelTimeoutMs:  1000,
		MaxPromptLength:         8000,
		MinModelsForJudge:       2,
		MaxAnswerLengthForJudge: 4000,
		EnableEarlyJudge:        true,
		MaxDebateRounds:         2,
		ResearchMaxResults:      8,
		MaxCallRetries:          2,
	}
}

func TestOrchestrate_MergesAllSuccesses(t *testing.T) {
	fc := newFakeClient()
	fc.script("m1", "answer one", nil)
	fc.script("m2", "answer two", nil)
	fc.script("m3", "answer three", nil)
	fc.script("judge", "merged answer", nil)

	o := NewOrchestrator(testConfig(), fc)
	res, err := o.Orchestrate(context.Background(), "what is Go?", "", []string{"m1", "m2", "m3"}, "")
	require.NoError(t, err)
	assert.Equal(t, "merged answer", res.MergedAnswer)
	assert.Len(t, res.PerModelResults, 3)
	assert.NotEmpty(t, res.RequestID)
	for _, r := range res.PerModelResults {
		assert.True(t, r.Success)
	}
}

func TestOrchestrate_PartialFailureStillMerges(t *testing.T) {
	fc := newFakeClient()
	fc.script("m1", "answer one", nil)
	fc.script("m2", "", domain.ErrRemote)
	fc.script("m3", "answer three", nil)
	fc.script("judge", "merged", nil)

	o := NewOrchestrator(testConfig(), fc)
	res, err := o.Orchestrate(context.Background(), "q", "", []string{"m1", "m2", "m3"}, "")
	require.NoError(t, err)
	assert.Equal(t, "merged", res.MergedAnswer)

	failures := 0
	for _, r := range res.PerModelResults {
		if !r.Success {
			failures++
			assert.Empty(t, r.Answer)
			assert.NotEmpty(t, r.Error)
		}
	}
	assert.Equal(t, 1, failures)
}

func TestOrchestrate_AllModelsFailed(t *testing.T) {
	fc := newFakeClient()
	fc.script("m1", "", domain.ErrRemote)
	fc.script("m2", "", domain.ErrTimeout)

	o := NewOrchestrator(testConfig(), fc)
	_, err := o.Orchestrate(context.Background(), "q", "", []string{"m1", "m2"}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAllModelsFailed)

	var amf *AllModelsFailedError
	require.ErrorAs(t, err, &amf)
	assert.Len(t, amf.Results, 2)
	// The judge must never have been called.
	assert.Empty(t, fc.callsFor("judge"))
}

func TestOrchestrate_JudgeFailureFallsBackToFirstAnswer(t *testing.T) {
	fc := newFakeClient()
	fc.script("m1", "first answer", nil)
	fc.script("m2", "second answer", nil)
	fc.script("judge", "", domain.ErrTimeout)

	cfg := testConfig()
	cfg.EnableEarlyJudge = false
	o := NewOrchestrator(cfg, fc)
	res, err := o.Orchestrate(context.Background(), "q", "", []string{"m1", "m2"}, "")
	require.NoError(t, err)
	assert.Contains(t, []string{"first answer", "second answer"}, res.MergedAnswer)
}

func TestOrchestrate_SingleSuccessSkipsEarlyJudge(t *testing.T) {
	fc := newFakeClient()
	fc.script("m1", "only answer", nil)
	fc.script("m2", "", domain.ErrRemote)
	fc.script("judge", "merged single", nil)

	o := NewOrchestrator(testConfig(), fc)
	res, err := o.Orchestrate(context.Background(), "q", "", []string{"m1", "m2"}, "")
	require.NoError(t, err)
	// One success never reaches MinModelsForJudge=2; the late judge runs
	// over the single answer.
	assert.Equal(t, "merged single", res.MergedAnswer)
	assert.Len(t, fc.callsFor("judge"), 1)
}

func TestOrchestrate_DebateSupersedesEarlyJudge(t *testing.T) {
	fc := newFakeClient()
	fc.script("m1", "draft one", nil)
	fc.script("m2", "draft two", nil)
	fc.script("judge", "judged", nil)

	cfg := testConfig()
	cfg.EnableDebate = true
	cfg.MaxDebateRounds = 1
	o := NewOrchestrator(cfg, fc)
	res, err := o.Orchestrate(context.Background(), "q", "", []string{"m1", "m2"}, "")
	require.NoError(t, err)
	assert.Equal(t, "judged", res.MergedAnswer)

	// Judge is called for: early judge, round feedback, final synthesis.
	// The final synthesis prompt is the only one carrying the evolution
	// context; its presence proves the post-debate judge ran.
	judgeCalls := fc.callsFor("judge")
	require.NotEmpty(t, judgeCalls)
	found := false
	for _, c := range judgeCalls {
		for _, m := range c.messages {
			if strings.Contains(m.Content, "Evolution context") {
				found = true
			}
		}
	}
	assert.True(t, found, "post-debate judge must receive the evolution context")
}

func TestOrchestrate_ValidationErrors(t *testing.T) {
	o := NewOrchestrator(testConfig(), newFakeClient())

	_, err := o.Orchestrate(context.Background(), "   ", "", []string{"m1"}, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	long := strings.Repeat("x", 8001)
	_, err = o.Orchestrate(context.Background(), long, "", []string{"m1"}, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = o.Orchestrate(context.Background(), "q", "", nil, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = o.Orchestrate(context.Background(), "q", "haiku-battle", []string{"m1"}, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestOrchestrate_PromptLengthCountsRunes(t *testing.T) {
	fc := newFakeClient()
	fc.script("m1", "a", nil)
	fc.script("judge", "m", nil)

	cfg := testConfig()
	cfg.MaxPromptLength = 10
	cfg.EnableEarlyJudge = false
	o := NewOrchestrator(cfg, fc)

	// Ten two-byte runes are within a ten-character cap.
	_, err := o.Orchestrate(context.Background(), strings.Repeat("é", 10), "", []string{"m1"}, "")
	assert.NoError(t, err)

	_, err = o.Orchestrate(context.Background(), strings.Repeat("é", 11), "", []string{"m1"}, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestOrchestrate_ModeSelectsSystemPrompt(t *testing.T) {
	fc := newFakeClient()
	fc.script("m1", "a1", nil)
	fc.script("m2", "a2", nil)
	fc.script("judge", "m", nil)

	o := NewOrchestrator(testConfig(), fc)
	_, err := o.Orchestrate(context.Background(), "write a function", "coding", []string{"m1", "m2"}, "")
	require.NoError(t, err)

	calls := fc.callsFor("m1")
	require.Len(t, calls, 1)
	require.NotEmpty(t, calls[0].messages)
	assert.Equal(t, domain.RoleSystem, calls[0].messages[0].Role)
	assert.Equal(t, modeSystemPrompts[ModeCoding], calls[0].messages[0].Content)
}

func TestOrchestrate_JudgeOverrideUsed(t *testing.T) {
	fc := newFakeClient()
	fc.script("m1", "a1", nil)
	fc.script("m2", "a2", nil)
	fc.script("special-judge", "override merged", nil)

	cfg := testConfig()
	cfg.EnableEarlyJudge = false
	o := NewOrchestrator(cfg, fc)
	res, err := o.Orchestrate(context.Background(), "q", "", []string{"m1", "m2"}, "special-judge")
	require.NoError(t, err)
	assert.Equal(t, "override merged", res.MergedAnswer)
	assert.Empty(t, fc.callsFor("judge"))
}

func TestOrchestrate_ErrorUnwrapsThroughErrorsIs(t *testing.T) {
	err := error(&AllModelsFailedError{Results: []domain.ModelCallResult{{ModelID: "m1"}}})
	assert.True(t, errors.Is(err, domain.ErrAllModelsFailed))
}
