package automate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/jt05610/wavedaq/relay"
)

// RemoteError is a structured failure reported by the automation agent for a
// command. It is not retriable automatically.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "automation agent reported an error: " + e.Message
}

// Client issues typed commands over a relay channel and awaits the paired
// result posted back by the agent.
type Client struct {
	ch     *relay.Channel
	logger *zap.Logger
}

func NewClient(ch *relay.Channel, logger *zap.Logger) *Client {
	return &Client{ch: ch, logger: logger}
}

// result mirrors the agent's tagged success/error encoding.
type result struct {
	Ok  json.RawMessage `json:"Ok"`
	Err *string         `json:"Err"`
}

// normalize repairs the quirks of the agent's flow engine: results come back
// percent/plus-escaped, with literal CRLF sequences inside strings, and with
// Python-spelled boolean literals.
func normalize(raw string) (string, error) {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return "", err
	}
	decoded = strings.ReplaceAll(decoded, "\r\n", `\n`)
	decoded = strings.ReplaceAll(decoded, "True", "true")
	decoded = strings.ReplaceAll(decoded, "False", "false")
	return decoded, nil
}

// Execute runs one command and decodes its success payload into T. It blocks
// until the agent polls the command and posts its result; the relay channel
// guarantees no second command goes out while this one is in flight.
func Execute[T any](ctx context.Context, c *Client, cmd Command) (T, error) {
	var zero T
	body, err := Marshal(cmd)
	if err != nil {
		return zero, fmt.Errorf("marshal %s: %w", cmd.CommandName(), err)
	}
	c.logger.Debug("executing command", zap.String("command", cmd.CommandName()))
	call, err := c.ch.Submit(ctx, body)
	if err != nil {
		return zero, fmt.Errorf("submit %s: %w", cmd.CommandName(), err)
	}
	raw, err := call.Await(ctx)
	if err != nil {
		return zero, fmt.Errorf("await %s: %w", cmd.CommandName(), err)
	}
	text, err := normalize(string(raw))
	if err != nil {
		return zero, fmt.Errorf("normalize %s result: %w", cmd.CommandName(), err)
	}
	c.logger.Debug("received result", zap.String("command", cmd.CommandName()), zap.String("result", text))
	var res result
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return zero, fmt.Errorf("parse %s result %q: %w", cmd.CommandName(), text, err)
	}
	if res.Err != nil {
		return zero, &RemoteError{Message: *res.Err}
	}
	if len(res.Ok) == 0 || string(res.Ok) == "null" {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(res.Ok, &v); err != nil {
		return zero, fmt.Errorf("decode %s payload %q: %w", cmd.CommandName(), res.Ok, err)
	}
	return v, nil
}

func (c *Client) do(ctx context.Context, cmd Command) error {
	_, err := Execute[struct{}](ctx, c, cmd)
	return err
}

func (c *Client) WavegenIsRunning(ctx context.Context) (bool, error) {
	return Execute[bool](ctx, c, WavegenIsRunning{})
}

func (c *Client) WavegenToggleRunning(ctx context.Context) error {
	return c.do(ctx, WavegenToggleRunning{})
}

func (c *Client) WavegenSetTrapezium(ctx context.Context) error {
	return c.do(ctx, WavegenSetTrapezium{})
}

func (c *Client) WavegenSetPeriod(ctx context.Context, period float64) error {
	return c.do(ctx, WavegenSetPeriod{Period: period})
}

func (c *Client) WavegenSetAmplitude(ctx context.Context, amplitude float64) error {
	return c.do(ctx, WavegenSetAmplitude{Amplitude: amplitude})
}

func (c *Client) WavegenSetOffset(ctx context.Context, offset float64) error {
	return c.do(ctx, WavegenSetOffset{Offset: offset})
}

func (c *Client) WavegenSetSymmetry(ctx context.Context, symmetry float64) error {
	return c.do(ctx, WavegenSetSymmetry{Symmetry: symmetry})
}

func (c *Client) SaveHistory(ctx context.Context, folder, filename string) error {
	return c.do(ctx, SaveHistory{Folder: folder, Filename: filename})
}

func (c *Client) OpenHistory(ctx context.Context) error {
	return c.do(ctx, OpenHistory{})
}

func (c *Client) IsWindowOpen(ctx context.Context, title, class string) (bool, error) {
	return Execute[bool](ctx, c, IsWindowOpen{Title: title, Class: class})
}

func (c *Client) GetOpenWindow(ctx context.Context) (string, error) {
	return Execute[string](ctx, c, GetOpenWindow{})
}

func (c *Client) FocusWindow(ctx context.Context, title, class string) error {
	return c.do(ctx, FocusWindow{Title: title, Class: class})
}
