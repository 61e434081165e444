package llm

import "context"

// Mock is a scripted Client for tests and the offline CLI mode.
type Mock struct {
	// Reply is returned for every completion when Fn is nil.
	Reply string

	// Fn overrides the scripted reply.
	Fn func(ctx context.Context, model string, req *Request) (*Response, error)

	// Calls records the models requested, in order.
	Calls []string
}

func (m *Mock) Complete(ctx context.Context, model string, req *Request) (*Response, error) {
	m.Calls = append(m.Calls, model)
	if m.Fn != nil {
		return m.Fn(ctx, model, req)
	}
	return &Response{Text: m.Reply, Model: model}, nil
}
