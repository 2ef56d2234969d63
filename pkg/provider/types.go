// Package provider defines the remote-backend collaborator the router calls,
// plus an OpenAI-compatible HTTP implementation.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/canonicalize"
)

var (
	// ErrTimeout classifies a call that did not finish within its timeout.
	ErrTimeout = errors.New("provider call timed out")
	// ErrCallFailed classifies every other call failure.
	ErrCallFailed = errors.New("provider call failed")
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type SamplingOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Seed        int64   `json:"seed,omitempty"`
}

// Request is what a caller asks to have dispatched. Metadata is carried for
// logging and never affects the fingerprint.
type Request struct {
	Model    string            `json:"model,omitempty"`
	Messages []Message         `json:"messages"`
	Options  *SamplingOptions  `json:"options,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// fingerprintView holds the semantically relevant request fields.
type fingerprintView struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Options  *SamplingOptions `json:"options"`
}

// Fingerprint identifies cache-equivalent requests. It depends only on model,
// messages and sampling options; all-zero options count as none.
func (r Request) Fingerprint() (string, error) {
	opts := r.Options
	if opts != nil && *opts == (SamplingOptions{}) {
		opts = nil
	}
	return canonicalize.Fingerprint(fingerprintView{Model: r.Model, Messages: r.Messages, Options: opts})
}

type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Result is a successful provider response.
type Result struct {
	Provider string        `json:"provider"`
	Content  string        `json:"content"`
	Cost     float64       `json:"cost"`
	Usage    Usage         `json:"usage"`
	Latency  time.Duration `json:"latency"`
}

// Client calls one provider. Implementations must return within timeout and
// must be idempotent from the caller's point of view.
type Client interface {
	Call(ctx context.Context, providerID string, req Request, timeout time.Duration) (*Result, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, providerID string, req Request, timeout time.Duration) (*Result, error)

func (f ClientFunc) Call(ctx context.Context, providerID string, req Request, timeout time.Duration) (*Result, error) {
	return f(ctx, providerID, req, timeout)
}

// Classify wraps err with ErrTimeout or ErrCallFailed. Already classified
// errors are returned unchanged.
func Classify(providerID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrCallFailed) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, providerID, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrCallFailed, providerID, err)
}
