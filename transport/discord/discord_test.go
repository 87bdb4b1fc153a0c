package discord

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/capabot/conversation"
	"github.com/martinemde/capabot/orchestrator"
	"github.com/martinemde/capabot/transcript"
)

const selfID = "999"

type fakeAPI struct {
	mu      sync.Mutex
	sent    []*discordgo.MessageSend
	typing  int
	history []*discordgo.Message
	histErr error
}

func (f *fakeAPI) ChannelMessageSendComplex(_ string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return &discordgo.Message{Content: data.Content}, nil
}

func (f *fakeAPI) ChannelTyping(string, ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeAPI) ChannelMessages(string, int, string, string, string, ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	return f.history, f.histErr
}

type runnerFunc func(ctx context.Context, turns []conversation.Turn, rc orchestrator.RunContext) ([]conversation.Turn, error)

func (f runnerFunc) Run(ctx context.Context, turns []conversation.Turn, rc orchestrator.RunContext) ([]conversation.Turn, error) {
	return f(ctx, turns, rc)
}

type recorderFunc func(ctx context.Context, e transcript.Entry) error

func (f recorderFunc) Record(ctx context.Context, e transcript.Entry) error { return f(ctx, e) }

func testBot(api *fakeAPI, runner Runner, opts Options) *Bot {
	b := newBot(api, runner, opts)
	b.selfID = selfID
	return b
}

func message(content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   content,
		Author:    &discordgo.User{ID: "42", Username: "dana"},
		Mentions:  []*discordgo.User{{ID: selfID}},
	}
}

func TestShouldRespond(t *testing.T) {
	b := testBot(&fakeAPI{}, nil, Options{ChannelIDs: []string{"watched"}, RespondToDMs: true})

	mention := message("<@999> hi")
	assert.True(t, b.shouldRespond(mention))

	plain := message("hi")
	plain.Mentions = nil
	assert.False(t, b.shouldRespond(plain))

	watched := message("hi")
	watched.Mentions = nil
	watched.ChannelID = "watched"
	assert.True(t, b.shouldRespond(watched))

	dm := message("hi")
	dm.GuildID = ""
	dm.Mentions = nil
	assert.True(t, b.shouldRespond(dm))

	noDMs := testBot(&fakeAPI{}, nil, Options{})
	assert.False(t, noDMs.shouldRespond(dm))

	own := message("<@999> hi")
	own.Author = &discordgo.User{ID: selfID}
	assert.False(t, b.shouldRespond(own))

	bot := message("<@999> hi")
	bot.Author = &discordgo.User{ID: "7", Bot: true}
	assert.False(t, b.shouldRespond(bot))

	empty := message("<@999>")
	assert.False(t, b.shouldRespond(empty))
}

func TestStripMentions(t *testing.T) {
	assert.Equal(t, "what is 2+2?", stripMentions("<@999> what is 2+2?", selfID))
	assert.Equal(t, "hi", stripMentions("<@!999>   hi  ", selfID))
	assert.Equal(t, "ask <@123>", stripMentions("<@999> ask <@123>", selfID))
	assert.Equal(t, "<@999> hi", stripMentions("<@999> hi", ""))
}

func TestChunk(t *testing.T) {
	assert.Nil(t, Chunk("  ", 10))
	assert.Equal(t, []string{"short"}, Chunk("short", 10))

	lines := Chunk("aaaa bbbb\ncccc dddd", 12)
	assert.Equal(t, []string{"aaaa bbbb", "cccc dddd"}, lines)

	words := Chunk("one two three four five", 10)
	for _, c := range words {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 10)
	}
	assert.Equal(t, "one two three four five", strings.Join(words, " "))

	long := strings.Repeat("é", 4500)
	parts := Chunk(long, MessageLimit)
	require.Len(t, parts, 3)
	for _, p := range parts {
		assert.True(t, utf8.ValidString(p))
		assert.LessOrEqual(t, utf8.RuneCountInString(p), MessageLimit)
	}
}

func TestHistoryTurns(t *testing.T) {
	at := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	msgs := []*discordgo.Message{ // newest first
		{Content: "Sure, 4.", Author: &discordgo.User{ID: selfID}, Timestamp: at.Add(2 * time.Minute)},
		{Content: "beep", Author: &discordgo.User{ID: "5", Bot: true}, Timestamp: at.Add(time.Minute)},
		{Content: "<@999> what is 2+2", Author: &discordgo.User{ID: "42"}, Timestamp: at},
		{Content: "<@999>", Author: &discordgo.User{ID: "42"}},
		{Content: "orphan"},
	}
	turns := historyTurns(msgs, selfID)
	require.Len(t, turns, 2)
	assert.Equal(t, conversation.RoleUser, turns[0].Role())
	assert.Equal(t, "what is 2+2", turns[0].Content)
	assert.Equal(t, at, turns[0].Timestamp)
	assert.Equal(t, conversation.RoleAssistant, turns[1].Role())
}

func TestReplyFor(t *testing.T) {
	user := conversation.NewUserTurn("hi")
	chart := &conversation.Attachment{Name: "chart.png", Data: []byte{1}}
	notice := conversation.NewSystemTurn("Capability call limit reached (1 calls). The call svc:ping(2) was not run.")

	tests := []struct {
		name     string
		produced []conversation.Turn
		wantText string
		wantAtt  *conversation.Attachment
	}{
		{
			name:     "plain answer",
			produced: []conversation.Turn{conversation.NewAssistantTurn("hello")},
			wantText: "hello",
		},
		{
			name: "answer after a call",
			produced: []conversation.Turn{
				conversation.NewAssistantTurn("calculator:calculate(add, 2, 2)"),
				conversation.NewSystemTurn("[capability] calculator:calculate(add, 2, 2)\nresult: 4"),
				conversation.NewAssistantTurn("It is 4."),
			},
			wantText: "It is 4.",
		},
		{
			name: "stopped at the call limit",
			produced: []conversation.Turn{
				conversation.NewAssistantTurn("svc:ping(1)"),
				conversation.NewSystemTurn("[capability] svc:ping(1)\nresult: pong"),
				conversation.NewAssistantTurn("svc:ping(2)"),
				notice,
			},
			wantText: notice.Content,
		},
		{
			name: "attachment ends the run",
			produced: []conversation.Turn{
				conversation.NewAssistantTurn("plot:draw()"),
				conversation.NewSystemTurn("[capability] plot:draw()").WithAttachment(chart),
			},
			wantAtt: chart,
		},
		{
			name: "attachment after an earlier answer",
			produced: []conversation.Turn{
				conversation.NewAssistantTurn("Here you go."),
				conversation.NewAssistantTurn("Drawing now: plot:draw()"),
				conversation.NewSystemTurn("[capability] plot:draw()").WithAttachment(chart),
			},
			wantText: "Here you go.",
			wantAtt:  chart,
		},
		{
			name:     "nothing produced",
			wantText: "I don't have anything to add.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			turns := append([]conversation.Turn{user}, tt.produced...)
			text, att := replyFor(turns, 1)
			assert.Equal(t, tt.wantText, text)
			assert.Same(t, tt.wantAtt, att)
		})
	}
}

func TestRespond(t *testing.T) {
	api := &fakeAPI{history: []*discordgo.Message{
		{Content: "earlier question", Author: &discordgo.User{ID: "42"}},
	}}
	var gotTurns []conversation.Turn
	var gotRC orchestrator.RunContext
	runner := runnerFunc(func(_ context.Context, turns []conversation.Turn, rc orchestrator.RunContext) ([]conversation.Turn, error) {
		gotTurns, gotRC = turns, rc
		rc.Events.Emit(orchestrator.Event{Kind: orchestrator.EventCompletionStart})
		return append(turns, conversation.NewAssistantTurn(strings.Repeat("word ", 500))), nil
	})
	var recorded transcript.Entry
	b := testBot(api, runner, Options{HistorySize: 10, Recorder: recorderFunc(func(_ context.Context, e transcript.Entry) error {
		recorded = e
		return nil
	})})

	b.respond(context.Background(), message("<@999> tell me more"))

	require.Len(t, gotTurns, 2)
	assert.Equal(t, "earlier question", gotTurns[0].Content)
	assert.Equal(t, "tell me more", gotTurns[1].Content)
	assert.Equal(t, "discord:42", gotRC.Identity)
	assert.NotEmpty(t, gotRC.RunID)

	require.Len(t, api.sent, 2, "2500 characters need two messages")
	assert.NotNil(t, api.sent[0].Reference)
	assert.Nil(t, api.sent[1].Reference)
	assert.GreaterOrEqual(t, api.typing, 1)

	assert.Equal(t, gotRC.RunID, recorded.RunID)
	assert.Equal(t, "discord", recorded.Source)
	assert.Len(t, recorded.Turns, 3)
}

func TestRespondSendsAttachment(t *testing.T) {
	api := &fakeAPI{}
	runner := runnerFunc(func(_ context.Context, turns []conversation.Turn, _ orchestrator.RunContext) ([]conversation.Turn, error) {
		return append(turns,
			conversation.NewAssistantTurn("Here is your chart."),
			conversation.NewSystemTurn("[capability] plot:draw()").WithAttachment(&conversation.Attachment{
				Name: "chart.png", MediaType: "image/png", Data: []byte("PNGDATA"),
			})), nil
	})
	b := testBot(api, runner, Options{})

	b.respond(context.Background(), message("<@999> chart please"))

	require.Len(t, api.sent, 1)
	require.Len(t, api.sent[0].Files, 1)
	f := api.sent[0].Files[0]
	assert.Equal(t, "chart.png", f.Name)
	assert.Equal(t, "image/png", f.ContentType)
	data, err := io.ReadAll(f.Reader)
	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(data))
	assert.Equal(t, "Here is your chart.", api.sent[0].Content)
}

func TestRespondFailure(t *testing.T) {
	api := &fakeAPI{histErr: errors.New("forbidden")}
	runner := runnerFunc(func(context.Context, []conversation.Turn, orchestrator.RunContext) ([]conversation.Turn, error) {
		return nil, &orchestrator.LoopFault{Attempts: 4, Cause: errors.New("provider down")}
	})
	b := testBot(api, runner, Options{HistorySize: 5})

	b.respond(context.Background(), message("<@999> hi"))

	require.Len(t, api.sent, 1)
	assert.Equal(t, FailureMessage, api.sent[0].Content)
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)
}

func TestShutdownCancelsRuns(t *testing.T) {
	api := &fakeAPI{}
	started := make(chan struct{})
	var runErr error
	runner := runnerFunc(func(ctx context.Context, _ []conversation.Turn, _ orchestrator.RunContext) ([]conversation.Turn, error) {
		close(started)
		<-ctx.Done()
		runErr = ctx.Err()
		return nil, runErr
	})
	b := testBot(api, runner, Options{})

	b.handleMessageCreate(nil, &discordgo.MessageCreate{Message: message("<@999> take your time")})
	<-started

	done := make(chan struct{})
	go func() {
		b.shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not cancel the run")
	}

	assert.ErrorIs(t, runErr, context.Canceled)
	assert.Empty(t, api.sent, "no failure notice while shutting down")
}
