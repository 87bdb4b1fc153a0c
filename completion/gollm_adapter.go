package completion

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"

	"github.com/martinemde/capabot/conversation"
)

// GollmAdapter implements Adapter on top of a gollm.LLM.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
	defaults gollmAdapterConfig
	counter  TokenCounter

	// SetOption mutates the shared LLM, so requests carrying sampling
	// overrides hold the write lock for their whole call.
	mu sync.RWMutex
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	topP        float64
	counter     TokenCounter
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key. When empty gollm reads the provider's
// environment variable.
func WithAPIKey(key string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.apiKey = key
	}
}

// WithModel sets the default model.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default output limit.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithTopP sets the nucleus sampling value restored after a request that
// overrides it. It is never sent unless a request overrides it first.
func WithTopP(p float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.topP = p
	}
}

// WithTokenCounter overrides the counter used for usage estimates.
func WithTokenCounter(counter TokenCounter) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.counter = counter
	}
}

// WithGollmOptions passes extra options straight to gollm.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates an adapter for provider ("openai", "anthropic",
// "ollama", ...).
func NewGollmAdapter(provider string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := gollmAdapterConfig{
		maxTokens:   1024,
		temperature: 0.7,
		topP:        1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.model == "" {
		if info := DefaultModel(provider); info != nil {
			cfg.model = info.ID
		} else {
			cfg.model = "gpt-4o-mini"
		}
	}
	if cfg.counter == nil {
		cfg.counter = CounterForModel(cfg.model)
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(cfg.model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries belong to the client middleware
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("creating gollm client for provider %s", provider),
			Cause:   err,
		}}
	}

	return &GollmAdapter{
		provider: provider,
		llm:      llm,
		model:    cfg.model,
		defaults: cfg,
		counter:  cfg.counter,
	}, nil
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Send renders the turns into a gollm prompt and generates one reply.
func (a *GollmAdapter) Send(ctx context.Context, req Request) (*Response, error) {
	if len(req.Turns) == 0 {
		return nil, &InvalidRequestError{ProviderError: ProviderError{
			SDKError: SDKError{Message: "no turns to complete"}, Provider: a.provider,
		}}
	}
	parts := renderPrompt(req.Turns)

	promptOpts := []gollm.PromptOption{}
	if parts.system != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(parts.system, gollm.CacheTypeEphemeral))
	}
	if req.Sampling.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.Sampling.MaxTokens))
	}
	prompt := gollm.NewPrompt(parts.body, promptOpts...)

	var (
		text string
		err  error
	)
	if hasOverrides(req.Sampling) {
		a.mu.Lock()
		a.applySampling(req.Sampling)
		text, err = a.llm.Generate(ctx, prompt)
		a.restoreDefaults(req.Sampling)
		a.mu.Unlock()
	} else {
		a.mu.RLock()
		text, err = a.llm.Generate(ctx, prompt)
		a.mu.RUnlock()
	}
	if err != nil {
		return nil, a.translateError(err)
	}

	text = cleanReply(text)
	if text == "" {
		return nil, &MalformedResponseError{SDKError: SDKError{Message: "provider returned an empty reply"}}
	}
	return a.buildResponse(req, parts, text), nil
}

type promptParts struct {
	system string
	body   string
}

// Role labels used when flattening a conversation into a single prompt.
const (
	userLabel      = "[User]: "
	assistantLabel = "[Assistant]: "
	systemLabel    = "[System]: "
)

// renderPrompt folds the leading run of system turns into the system prompt
// and flattens the rest, in order, into a labelled transcript. Later system
// turns (capability results, notices) stay in place so the model sees them
// where they happened.
func renderPrompt(turns []conversation.Turn) promptParts {
	var (
		system []string
		body   []string
		i      int
	)
	for ; i < len(turns) && turns[i].Role() == conversation.RoleSystem; i++ {
		if turns[i].Content != "" {
			system = append(system, turns[i].Content)
		}
	}

	for _, t := range turns[i:] {
		content := t.Content
		if t.Attachment != nil {
			content = strings.TrimSpace(content + "\n[attachment: " + t.Attachment.Name + "]")
		}
		switch t.Role() {
		case conversation.RoleUser:
			body = append(body, userLabel+content)
		case conversation.RoleAssistant:
			body = append(body, assistantLabel+content)
		default:
			body = append(body, systemLabel+content)
		}
	}

	prompt := strings.Join(body, "\n\n")
	if prompt == "" {
		prompt = userLabel
	}
	return promptParts{
		system: strings.Join(system, "\n\n"),
		body:   prompt,
	}
}

// cleanReply drops a role label the model may echo from the transcript.
func cleanReply(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, strings.TrimSpace(assistantLabel))
	return strings.TrimSpace(text)
}

func hasOverrides(p SamplingParams) bool {
	return p.Model != "" || p.Temperature != nil || p.TopP != nil || p.MaxTokens != nil
}

// llmOption is one gollm SetOption call.
type llmOption struct {
	key   string
	value any
}

func (a *GollmAdapter) overrideOptions(p SamplingParams) []llmOption {
	var opts []llmOption
	if p.Model != "" {
		opts = append(opts, llmOption{"model", p.Model})
	}
	if p.Temperature != nil {
		opts = append(opts, llmOption{"temperature", *p.Temperature})
	}
	if p.TopP != nil {
		opts = append(opts, llmOption{"top_p", *p.TopP})
	}
	if p.MaxTokens != nil {
		opts = append(opts, llmOption{"max_tokens", *p.MaxTokens})
	}
	return opts
}

// defaultOptions undoes overrideOptions(p) key for key.
func (a *GollmAdapter) defaultOptions(p SamplingParams) []llmOption {
	var opts []llmOption
	if p.Model != "" {
		opts = append(opts, llmOption{"model", a.model})
	}
	if p.Temperature != nil {
		opts = append(opts, llmOption{"temperature", a.defaults.temperature})
	}
	if p.TopP != nil {
		opts = append(opts, llmOption{"top_p", a.defaults.topP})
	}
	if p.MaxTokens != nil {
		opts = append(opts, llmOption{"max_tokens", a.defaults.maxTokens})
	}
	return opts
}

func (a *GollmAdapter) applySampling(p SamplingParams) {
	for _, o := range a.overrideOptions(p) {
		a.llm.SetOption(o.key, o.value)
	}
}

func (a *GollmAdapter) restoreDefaults(p SamplingParams) {
	for _, o := range a.defaultOptions(p) {
		a.llm.SetOption(o.key, o.value)
	}
}

func (a *GollmAdapter) buildResponse(req Request, parts promptParts, text string) *Response {
	model := req.Sampling.Model
	if model == "" {
		model = a.model
	}

	// gollm does not surface provider usage, so both sides are counted here.
	in := a.counter.Count(parts.system) + a.counter.Count(parts.body)
	out := a.counter.Count(text)

	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.provider,
		Turn:         conversation.NewAssistantTurn(text),
		FinishReason: "stop",
		Usage: Usage{
			InputTokens:  in,
			OutputTokens: out,
			TotalTokens:  in + out,
		},
	}
}

var (
	statusPattern     = regexp.MustCompile(`(?:^|status(?: code)?[:= ]*|: )([45]\d\d)\b`)
	retryAfterPattern = regexp.MustCompile(`retry[- ]after[:= ]*(\d+(?:\.\d+)?)`)
)

// statusFromMessage finds an HTTP error status in gollm's error text, which
// is the only place gollm reports it.
func statusFromMessage(msg string) int {
	m := statusPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return code
}

func retryAfterFromMessage(msg string) *float64 {
	m := retryAfterPattern.FindStringSubmatch(msg)
	if m == nil {
		return nil
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &secs
}

// translateError maps a gollm error onto the completion error hierarchy.
// A status code in the message wins; otherwise well-known phrases pick the
// status that ErrorFromStatusCode would have seen.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &AbortError{SDKError: SDKError{Message: "completion cancelled", Cause: err}}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestTimeoutError{SDKError: SDKError{Message: "completion deadline exceeded", Cause: err}}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	status := statusFromMessage(lower)
	if status == 0 {
		switch {
		case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
			status = 401
		case strings.Contains(lower, "forbidden"):
			status = 403
		case strings.Contains(lower, "not found"):
			status = 404
		case strings.Contains(lower, "rate limit"):
			status = 429
		case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
			status = 413
		case strings.Contains(lower, "internal server"):
			status = 500
		case strings.Contains(lower, "timeout"):
			return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
		case strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host"):
			return &NetworkError{SDKError: SDKError{Message: msg, Cause: err}}
		case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
			return &ContentFilterError{ProviderError: ProviderError{
				SDKError: SDKError{Message: msg, Cause: err},
				Provider: a.provider,
			}}
		}
	}

	return ErrorFromStatusCode(status, msg, a.provider, retryAfterFromMessage(lower), err)
}
