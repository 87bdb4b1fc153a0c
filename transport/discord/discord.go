// Package discord connects the orchestration loop to a Discord bot. The bot
// answers direct messages, mentions and messages in configured channels,
// shows a typing indicator while a run is in progress and sends capability
// attachments as files.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/martinemde/capabot/callsyntax"
	"github.com/martinemde/capabot/conversation"
	"github.com/martinemde/capabot/logging"
	"github.com/martinemde/capabot/orchestrator"
	"github.com/martinemde/capabot/transcript"
)

// MessageLimit is Discord's maximum message length in characters.
const MessageLimit = 2000

// FailureMessage is sent when every attempt of a run faulted.
const FailureMessage = "Sorry, something went wrong while I was working on that. Please try again in a moment."

var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// Runner runs one conversation. *orchestrator.Loop implements it.
type Runner interface {
	Run(ctx context.Context, turns []conversation.Turn, rc orchestrator.RunContext) ([]conversation.Turn, error)
}

// Recorder stores finished runs. *transcript.Store implements it.
type Recorder interface {
	Record(ctx context.Context, e transcript.Entry) error
}

// chatAPI is the part of *discordgo.Session the bot talks to.
type chatAPI interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
}

// Options configure a Bot.
type Options struct {
	Token        string
	ChannelIDs   []string
	RespondToDMs bool
	HistorySize  int
	RunTimeout   time.Duration
	Recorder     Recorder
	Log          *logrus.Entry
}

// Bot relays Discord messages to a Runner.
type Bot struct {
	session     *discordgo.Session
	api         chatAPI
	runner      Runner
	recorder    Recorder
	channels    map[string]bool
	respondDMs  bool
	historySize int
	runTimeout  time.Duration
	log         *logrus.Entry

	mu     sync.RWMutex
	selfID string

	// ctx bounds every run; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bot. Call Start to connect.
func New(runner Runner, opts Options) (*Bot, error) {
	if opts.Token == "" {
		return nil, errors.New("discord token is required")
	}
	dg, err := discordgo.New("Bot " + opts.Token)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	b := newBot(dg, runner, opts)
	b.session = dg
	dg.AddHandler(b.handleReady)
	dg.AddHandler(b.handleMessageCreate)
	return b, nil
}

func newBot(api chatAPI, runner Runner, opts Options) *Bot {
	b := &Bot{
		api:         api,
		runner:      runner,
		recorder:    opts.Recorder,
		channels:    make(map[string]bool, len(opts.ChannelIDs)),
		respondDMs:  opts.RespondToDMs,
		historySize: opts.HistorySize,
		runTimeout:  opts.RunTimeout,
		log:         opts.Log,
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	if b.log == nil {
		b.log = logging.Component(nil, "discord")
	}
	for _, id := range opts.ChannelIDs {
		if id = strings.TrimSpace(id); id != "" {
			b.channels[id] = true
		}
	}
	return b
}

// Start opens the gateway connection.
func (b *Bot) Start() error {
	return b.session.Open()
}

// Stop closes the connection, cancels in-flight runs and waits for them to
// unwind.
func (b *Bot) Stop() error {
	err := b.session.Close()
	b.shutdown()
	return err
}

func (b *Bot) shutdown() {
	b.cancel()
	b.wg.Wait()
}

func (b *Bot) handleReady(_ *discordgo.Session, event *discordgo.Ready) {
	b.mu.Lock()
	b.selfID = event.User.ID
	b.mu.Unlock()
	b.log.WithField("user", event.User.Username).Info("discord bot logged in")
}

func (b *Bot) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if !b.shouldRespond(m.Message) {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.respond(b.ctx, m.Message)
	}()
}

func (b *Bot) self() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.selfID
}

// shouldRespond accepts direct messages, mentions and messages in configured
// channels. Bots, including this one, are ignored.
func (b *Bot) shouldRespond(m *discordgo.Message) bool {
	if m.Author == nil || m.Author.Bot || m.Author.ID == b.self() {
		return false
	}
	if stripMentions(m.Content, b.self()) == "" && len(m.Attachments) == 0 {
		return false
	}
	if m.GuildID == "" {
		return b.respondDMs
	}
	if b.channels[m.ChannelID] {
		return true
	}
	for _, u := range m.Mentions {
		if u.ID == b.self() {
			return true
		}
	}
	return false
}

func (b *Bot) respond(ctx context.Context, m *discordgo.Message) {
	if b.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.runTimeout)
		defer cancel()
	}
	log := b.log.WithFields(logrus.Fields{"channel": m.ChannelID, "author": m.Author.ID})

	turns := b.history(m)
	turns = append(turns, conversation.NewUserTurn(stripMentions(m.Content, b.self())))
	inputLen := len(turns)

	events := orchestrator.NewEventEmitter(64)
	typingDone := make(chan struct{})
	go func() {
		defer close(typingDone)
		b.showTyping(m.ChannelID, events.Events())
	}()

	runID := uuid.New().String()
	identity := "discord:" + m.Author.ID
	rc := orchestrator.RunContext{RunID: runID, Identity: identity, Events: events}
	out, err := b.runner.Run(ctx, turns, rc)
	events.Close()
	<-typingDone

	b.record(ctx, runID, identity, turns, out, err)

	if err != nil {
		if b.ctx.Err() != nil {
			log.WithError(err).Info("run abandoned on shutdown")
			return
		}
		log.WithError(err).Error("run failed")
		if _, sendErr := b.api.ChannelMessageSendComplex(m.ChannelID, &discordgo.MessageSend{
			Content:   FailureMessage,
			Reference: m.Reference(),
		}); sendErr != nil {
			log.WithError(sendErr).Warn("failure notice not sent")
		}
		return
	}

	text, att := replyFor(out, inputLen)
	if err := b.send(m, text, att); err != nil {
		log.WithError(err).Error("reply not sent")
	}
}

// showTyping refreshes the typing indicator when the loop starts a
// completion or a dispatch. Discord clears it after about ten seconds.
func (b *Bot) showTyping(channelID string, events <-chan orchestrator.Event) {
	var last time.Time
	typing := func() {
		if time.Since(last) < 8*time.Second {
			return
		}
		last = time.Now()
		if err := b.api.ChannelTyping(channelID); err != nil {
			b.log.WithError(err).Debug("typing indicator failed")
		}
	}
	typing()
	for ev := range events {
		switch ev.Kind {
		case orchestrator.EventCompletionStart, orchestrator.EventDispatchStart, orchestrator.EventRetry:
			typing()
		}
	}
}

// history returns earlier channel messages as turns, oldest first.
func (b *Bot) history(m *discordgo.Message) []conversation.Turn {
	if b.historySize <= 0 {
		return nil
	}
	msgs, err := b.api.ChannelMessages(m.ChannelID, b.historySize, m.ID, "", "")
	if err != nil {
		b.log.WithError(err).WithField("channel", m.ChannelID).Warn("channel history unavailable")
		return nil
	}
	return historyTurns(msgs, b.self())
}

// historyTurns converts newest-first messages into oldest-first turns. This
// bot's messages become assistant turns; other bots are skipped.
func historyTurns(msgs []*discordgo.Message, selfID string) []conversation.Turn {
	turns := make([]conversation.Turn, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if msg.Author == nil {
			continue
		}
		content := stripMentions(msg.Content, selfID)
		if content == "" {
			continue
		}
		var t conversation.Turn
		switch {
		case msg.Author.ID == selfID:
			t = conversation.NewAssistantTurn(content)
		case msg.Author.Bot:
			continue
		default:
			t = conversation.NewUserTurn(content)
		}
		t.Timestamp = msg.Timestamp
		turns = append(turns, t)
	}
	return turns
}

// replyFor picks what to post from a finished run: the attachment of a
// terminal last turn, the notice when the call limit ended the run, or the
// last assistant text that is not a capability call.
func replyFor(turns []conversation.Turn, inputLen int) (string, *conversation.Attachment) {
	if inputLen > len(turns) {
		inputLen = len(turns)
	}
	produced := turns[inputLen:]

	var att *conversation.Attachment
	if n := len(produced); n > 0 {
		last := produced[n-1]
		switch {
		case last.Terminal():
			att = last.Attachment
		case last.Role() == conversation.RoleSystem:
			return last.Content, nil
		}
	}
	for i := len(produced) - 1; i >= 0; i-- {
		t := produced[i]
		if t.Role() != conversation.RoleAssistant || strings.TrimSpace(t.Content) == "" || callsyntax.Contains(t.Content) {
			continue
		}
		return t.Content, att
	}
	if att != nil {
		return "", att
	}
	return "I don't have anything to add.", nil
}

func (b *Bot) send(m *discordgo.Message, text string, att *conversation.Attachment) error {
	chunks := Chunk(text, MessageLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	for i, chunk := range chunks {
		msg := &discordgo.MessageSend{Content: chunk}
		if i == 0 {
			msg.Reference = m.Reference()
			if att != nil {
				msg.Files = []*discordgo.File{{
					Name:        attachmentName(att),
					ContentType: att.MediaType,
					Reader:      bytes.NewReader(att.Data),
				}}
			}
		}
		if msg.Content == "" && len(msg.Files) == 0 {
			continue
		}
		if _, err := b.api.ChannelMessageSendComplex(m.ChannelID, msg); err != nil {
			return fmt.Errorf("sending chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func attachmentName(a *conversation.Attachment) string {
	if a.Name != "" {
		return a.Name
	}
	return "attachment.bin"
}

func (b *Bot) record(ctx context.Context, runID, identity string, input, out []conversation.Turn, runErr error) {
	if b.recorder == nil {
		return
	}
	turns := out
	if runErr != nil {
		turns = input
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := b.recorder.Record(ctx, transcript.Entry{
		RunID:    runID,
		Identity: identity,
		Source:   "discord",
		Turns:    turns,
		Err:      runErr,
	}); err != nil {
		b.log.WithError(err).Warn("transcript not recorded")
	}
}

// stripMentions removes mentions of selfID and trims the result.
func stripMentions(content, selfID string) string {
	if selfID != "" {
		content = mentionPattern.ReplaceAllStringFunc(content, func(mention string) string {
			if mentionPattern.FindStringSubmatch(mention)[1] == selfID {
				return ""
			}
			return mention
		})
	}
	return strings.TrimSpace(content)
}

// Chunk splits text into pieces of at most limit characters, preferring line
// breaks, then spaces.
func Chunk(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := lastIndex(runes[:limit], '\n')
		if cut < limit/2 {
			if sp := lastIndex(runes[:limit], ' '); sp >= limit/2 {
				cut = sp
			} else {
				cut = limit
			}
		}
		chunk := strings.TrimSpace(string(runes[:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = []rune(strings.TrimLeft(string(runes[cut:]), " \n"))
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

func lastIndex(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}
