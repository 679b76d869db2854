package provider

import (
	"context"
	"fmt"
	"sync"
)

// StubClient is a deterministic in-process provider for dev mode. Every
// created report completes on its second poll.
type StubClient struct {
	mu      sync.Mutex
	counter int
	polls   map[string]int
}

// NewStubClient creates a stub provider.
func NewStubClient() *StubClient {
	return &StubClient{polls: make(map[string]int)}
}

func (c *StubClient) CreateReport(_ context.Context, req CreateRequest) (CreateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	id := fmt.Sprintf("stub-%s-%d", req.AdsAccountID, c.counter)
	c.polls[id] = 0
	return CreateResult{ReportID: id}, nil
}

func (c *StubClient) RetrieveReport(_ context.Context, _, reportID string) (RetrieveResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls[reportID]++
	if c.polls[reportID] < 2 {
		return RetrieveResult{Status: StatusPending}, nil
	}
	return RetrieveResult{Status: StatusCompleted, ResultRef: "stub://" + reportID}, nil
}
