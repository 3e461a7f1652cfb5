package llm

import (
	"context"
	"sync"
)

// Stub is a deterministic in-process Client for tests and development.
// Responses are dequeued in FIFO order; when the queue is empty a fixed
// fallback is returned. All calls are recorded.
type Stub struct {
	mu        sync.Mutex
	responses []Response
	fallback  Response
	err       error

	ClassifyCalls []ClassifyRequest
	VisionCalls   []VisionRequest
}

// NewStub creates a stub with a neutral fallback response.
func NewStub() *Stub {
	return &Stub{
		fallback: Response{
			Text:  `{"intent": "inquiry", "confidence": 0.5}`,
			Usage: Usage{InputTokens: 100, OutputTokens: 20},
		},
	}
}

// Enqueue appends a canned response.
func (s *Stub) Enqueue(r Response) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, r)
	return s
}

// Fail makes every subsequent call return err.
func (s *Stub) Fail(err error) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// Calls returns the total number of calls made.
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ClassifyCalls) + len(s.VisionCalls)
}

func (s *Stub) next() (Response, error) {
	if s.err != nil {
		return Response{}, s.err
	}
	if len(s.responses) > 0 {
		r := s.responses[0]
		s.responses = s.responses[1:]
		return r, nil
	}
	return s.fallback, nil
}

func (s *Stub) Classify(_ context.Context, req ClassifyRequest) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClassifyCalls = append(s.ClassifyCalls, req)
	return s.next()
}

func (s *Stub) Vision(_ context.Context, req VisionRequest) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.VisionCalls = append(s.VisionCalls, req)
	return s.next()
}
