package llm

import (
	"context"
	"fmt"
)

// FakeClient is a scripted Client implementation for testing. Each call
// to Complete pops the next queued response.
type FakeClient struct {
	Responses []*Response
	Errs      []error
	Requests  []*Request
	calls     int
}

// NewFakeClient creates a fake client that replays the given responses
// in order.
func NewFakeClient(responses ...*Response) *FakeClient {
	return &FakeClient{Responses: responses}
}

// Ensure FakeClient implements Client interface.
var _ Client = (*FakeClient)(nil)

// Provider returns the provider name.
func (f *FakeClient) Provider() string { return "fake" }

// Model returns the provider name.
func (f *FakeClient) Model() string { return "fake" }

// Complete records the request and returns the next scripted response.
func (f *FakeClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	f.Requests = append(f.Requests, req)
	i := f.calls
	f.calls++

	if i < len(f.Errs) && f.Errs[i] != nil {
		return nil, f.Errs[i]
	}
	if i < len(f.Responses) {
		return f.Responses[i], nil
	}
	if len(f.Responses) > 0 {
		// Replay the last response when the script runs out.
		return f.Responses[len(f.Responses)-1], nil
	}
	return nil, fmt.Errorf("fake client: no scripted response for call %d", i+1)
}

// Calls reports how many times Complete was invoked.
func (f *FakeClient) Calls() int { return f.calls }
