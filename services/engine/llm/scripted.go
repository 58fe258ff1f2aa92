package llm

import (
	"context"
	"strings"
	"sync"
)

// ScriptedClient is a test double that replays canned responses.
//
// Responses are consumed in order. Rules matched against a prompt
// substring take precedence over the sequential queue, which makes it
// easy to script "the fusion call answers X, everything else fails".
//
// Thread Safety: Safe for concurrent use; the engine calls generators
// in parallel during tests.
type ScriptedClient struct {
	mu        sync.Mutex
	queue     []scriptedReply
	rules     []scriptedRule
	calls     int
	prompts   []string
	defaultFn func(prompt string) (string, error)
}

type scriptedReply struct {
	text string
	err  error
}

type scriptedRule struct {
	substring string
	text      string
	err       error
}

// NewScriptedClient returns an empty scripted client. With no queue,
// rules, or default, every call fails with ErrEmptyCompletion.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{}
}

// Enqueue appends a successful reply to the sequential queue.
func (c *ScriptedClient) Enqueue(text string) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, scriptedReply{text: text})
	return c
}

// EnqueueError appends a failing reply to the sequential queue.
func (c *ScriptedClient) EnqueueError(err error) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, scriptedReply{err: err})
	return c
}

// Respond registers a rule: any prompt containing substring gets text.
func (c *ScriptedClient) Respond(substring, text string) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, scriptedRule{substring: substring, text: text})
	return c
}

// RespondError registers a rule: any prompt containing substring fails.
func (c *ScriptedClient) RespondError(substring string, err error) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, scriptedRule{substring: substring, err: err})
	return c
}

// SetDefault installs a fallback used when no rule or queued reply applies.
func (c *ScriptedClient) SetDefault(fn func(prompt string) (string, error)) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultFn = fn
	return c
}

// Generate implements the Client interface.
func (c *ScriptedClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.prompts = append(c.prompts, prompt)

	for _, rule := range c.rules {
		if strings.Contains(prompt, rule.substring) {
			return rule.text, rule.err
		}
	}
	if len(c.queue) > 0 {
		reply := c.queue[0]
		c.queue = c.queue[1:]
		return reply.text, reply.err
	}
	if c.defaultFn != nil {
		return c.defaultFn(prompt)
	}
	return "", ErrEmptyCompletion
}

// Calls returns the number of Generate invocations so far.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Prompts returns a copy of every prompt seen so far, in call order.
func (c *ScriptedClient) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.prompts))
	copy(out, c.prompts)
	return out
}
