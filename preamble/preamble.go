// Package preamble assembles the system turns sent ahead of every completion
// request: persona, environment, the capability catalog with the calling
// protocol, and the owner's recent memories.
package preamble

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/martinemde/capabot/capabilities/memory"
	"github.com/martinemde/capabot/conversation"
	"github.com/martinemde/capabot/logging"
)

// DefaultPersona is used when no persona is configured.
const DefaultPersona = "You are capabot, a concise and helpful assistant. " +
	"Answer directly. When a capability can give you an exact or current answer, use it instead of guessing."

const protocolInstructions = `To use a capability, write a call on its own line in exactly this form:

    slug:method(arg1, arg2)

Rules:
- Write at most one call per reply and nothing that depends on its result; the result arrives in the next system message.
- Arguments are separated by commas and cannot contain commas themselves, even in quotes. For structured input pass a single JSON argument.
- Results begin with "[capability]". Never write that prefix yourself.
- When you have what you need, answer the user without any call.`

// Catalog renders the capabilities available to the model.
// *capability.Registry implements it.
type Catalog interface {
	Catalog() string
}

// MemorySource supplies an owner's recent notes. *memory.Store implements it.
type MemorySource interface {
	Recent(ctx context.Context, owner string, limit int) ([]memory.Entry, error)
}

// Assembler builds preamble turns. It is safe for concurrent use.
type Assembler struct {
	persona     string
	model       string
	catalog     Catalog
	memories    MemorySource
	memoryLimit int
	location    *time.Location
	now         func() time.Time
	log         *logrus.Entry
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithPersona replaces DefaultPersona.
func WithPersona(persona string) Option {
	return func(a *Assembler) {
		if strings.TrimSpace(persona) != "" {
			a.persona = strings.TrimSpace(persona)
		}
	}
}

// WithModel names the model in the environment block.
func WithModel(model string) Option {
	return func(a *Assembler) {
		a.model = model
	}
}

// WithMemories includes up to limit recent notes.
func WithMemories(src MemorySource, limit int) Option {
	return func(a *Assembler) {
		a.memories = src
		a.memoryLimit = limit
	}
}

// WithLocation sets the time zone used for the date line.
func WithLocation(loc *time.Location) Option {
	return func(a *Assembler) {
		if loc != nil {
			a.location = loc
		}
	}
}

// WithLogger sets the log entry.
func WithLogger(entry *logrus.Entry) Option {
	return func(a *Assembler) {
		a.log = entry
	}
}

// New creates an Assembler over catalog, which may be nil.
func New(catalog Catalog, opts ...Option) *Assembler {
	a := &Assembler{
		persona:     DefaultPersona,
		catalog:     catalog,
		memoryLimit: 10,
		location:    time.UTC,
		now:         time.Now,
		log:         logging.Component(nil, "preamble"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble returns the preamble for identity. Memory lookups that fail are
// logged and skipped; only a cancelled context is an error.
func (a *Assembler) Assemble(ctx context.Context, identity string) ([]conversation.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString(a.persona)
	sb.WriteString("\n\n")
	sb.WriteString(a.environment(identity))

	if a.catalog != nil {
		if catalog := a.catalog.Catalog(); catalog != "" {
			sb.WriteString("\n\n# Capabilities\n\n")
			sb.WriteString(catalog)
			sb.WriteString("\n\n")
			sb.WriteString(protocolInstructions)
		}
	}

	turns := []conversation.Turn{conversation.NewSystemTurn(sb.String())}

	if block := a.memoryBlock(ctx, identity); block != "" {
		turns = append(turns, conversation.NewSystemTurn(block))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return turns, nil
}

func (a *Assembler) environment(identity string) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Today's date: %s\n", a.now().In(a.location).Format("Monday, 2006-01-02"))
	if identity != "" {
		fmt.Fprintf(&sb, "Talking with: %s\n", identity)
	}
	if a.model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", a.model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

func (a *Assembler) memoryBlock(ctx context.Context, identity string) string {
	if a.memories == nil || a.memoryLimit <= 0 {
		return ""
	}
	entries, err := a.memories.Recent(ctx, identity, a.memoryLimit)
	if err != nil {
		a.log.WithError(err).WithField("identity", identity).Warn("recent memories unavailable")
		return ""
	}
	if len(entries) == 0 {
		return ""
	}
	return "<memories>\nNotes you saved in earlier conversations, most recent first:\n" +
		memory.FormatEntries(entries) + "\n</memories>"
}
