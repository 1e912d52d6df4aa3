// ABOUTME: Prompter capability handed to flow functions for suspend-and-ask steps
// ABOUTME: Each ask blocks the flow goroutine until an answer arrives via Next

package session

import (
	"context"
	"errors"
	"fmt"
)

// ErrFlowCancelled is returned to a flow body when the session is cancelled
// while it is suspended on a step.
var ErrFlowCancelled = errors.New("flow cancelled")

// Prompter lets a flow body suspend itself until the session owner answers
// the current step. It is valid only for the lifetime of its flow goroutine.
type Prompter struct {
	steps   chan *Step
	answers chan any
}

// ask yields a step and blocks until an answer is delivered or the flow
// context is cancelled.
func (p *Prompter) ask(ctx context.Context, step *Step) (any, error) {
	select {
	case p.steps <- step:
	case <-ctx.Done():
		return nil, ErrFlowCancelled
	}
	select {
	case ans := <-p.answers:
		return ans, nil
	case <-ctx.Done():
		return nil, ErrFlowCancelled
	}
}

// Note shows informational text. The answer is an acknowledgement only.
func (p *Prompter) Note(ctx context.Context, text string) error {
	_, err := p.ask(ctx, &Step{Type: StepNote, Prompt: text})
	return err
}

// OpenURL asks the owner to visit a URL, then acknowledge.
func (p *Prompter) OpenURL(ctx context.Context, url, prompt string) error {
	_, err := p.ask(ctx, &Step{Type: StepOpenURL, URL: url, Prompt: prompt})
	return err
}

// Text asks for a free-form string. Sensitive answers are handed to the flow
// and nowhere else.
func (p *Prompter) Text(ctx context.Context, prompt string, sensitive bool) (string, error) {
	ans, err := p.ask(ctx, &Step{Type: StepText, Prompt: prompt, Sensitive: sensitive})
	if err != nil {
		return "", err
	}
	s, ok := ans.(string)
	if !ok {
		return "", fmt.Errorf("expected string answer, got %T", ans)
	}
	return s, nil
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(ctx context.Context, prompt string) (bool, error) {
	ans, err := p.ask(ctx, &Step{Type: StepConfirm, Prompt: prompt})
	if err != nil {
		return false, err
	}
	b, ok := ans.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool answer, got %T", ans)
	}
	return b, nil
}

// Select asks the owner to pick one of the options. The answer must be one
// of the option values.
func (p *Prompter) Select(ctx context.Context, prompt string, options []Option) (string, error) {
	ans, err := p.ask(ctx, &Step{Type: StepSelect, Prompt: prompt, Options: options})
	if err != nil {
		return "", err
	}
	s, ok := ans.(string)
	if !ok {
		return "", fmt.Errorf("expected string answer, got %T", ans)
	}
	if !optionValue(options, s) {
		return "", fmt.Errorf("answer %q is not one of the offered options", s)
	}
	return s, nil
}

// MultiSelect asks for zero or more of the options.
func (p *Prompter) MultiSelect(ctx context.Context, prompt string, options []Option) ([]string, error) {
	ans, err := p.ask(ctx, &Step{Type: StepMultiSelect, Prompt: prompt, Options: options})
	if err != nil {
		return nil, err
	}
	values, err := toStringSlice(ans)
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		if !optionValue(options, v) {
			return nil, fmt.Errorf("answer %q is not one of the offered options", v)
		}
	}
	return values, nil
}

func optionValue(options []Option, v string) bool {
	for _, o := range options {
		if o.Value == v {
			return true
		}
	}
	return false
}

func toStringSlice(ans any) ([]string, error) {
	switch vs := ans.(type) {
	case []string:
		return vs, nil
	case []any:
		out := make([]string, 0, len(vs))
		for _, v := range vs {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("expected string elements, got %T", v)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string list answer, got %T", ans)
	}
}
