package breaker

import (
	"context"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/mahnwerk/mahnwerk/internal/llm"
	"github.com/mahnwerk/mahnwerk/internal/model"
	"github.com/mahnwerk/mahnwerk/internal/secondary"
	"github.com/mahnwerk/mahnwerk/internal/worker"
)

// GuardLLM wraps an LLM client so every call runs through the LLM breaker.
func GuardLLM(cb *gobreaker.CircuitBreaker, inner llm.Client) llm.Client {
	return &guardedLLM{cb: cb, inner: inner}
}

type guardedLLM struct {
	cb    *gobreaker.CircuitBreaker
	inner llm.Client
}

func (g *guardedLLM) Classify(ctx context.Context, req llm.ClassifyRequest) (llm.Response, error) {
	return Do(g.cb, func() (llm.Response, error) { return g.inner.Classify(ctx, req) })
}

func (g *guardedLLM) Vision(ctx context.Context, req llm.VisionRequest) (llm.Response, error) {
	return Do(g.cb, func() (llm.Response, error) { return g.inner.Vision(ctx, req) })
}

// GuardSecondary wraps a secondary store so every call runs through the
// secondary breaker.
func GuardSecondary(cb *gobreaker.CircuitBreaker, inner secondary.Store) secondary.Store {
	return &guardedSecondary{cb: cb, inner: inner}
}

type guardedSecondary struct {
	cb    *gobreaker.CircuitBreaker
	inner secondary.Store
}

func (g *guardedSecondary) GetClientByTicket(ctx context.Context, ticketID string) (*secondary.Client, error) {
	return Do(g.cb, func() (*secondary.Client, error) { return g.inner.GetClientByTicket(ctx, ticketID) })
}

func (g *guardedSecondary) GetClientByName(ctx context.Context, first, last string) (*secondary.Client, error) {
	return Do(g.cb, func() (*secondary.Client, error) { return g.inner.GetClientByName(ctx, first, last) })
}

func (g *guardedSecondary) GetClientByCaseNumber(ctx context.Context, caseNumber string) (*secondary.Client, error) {
	return Do(g.cb, func() (*secondary.Client, error) { return g.inner.GetClientByCaseNumber(ctx, caseNumber) })
}

func (g *guardedSecondary) UpdateCreditorDebt(ctx context.Context, client secondary.ClientSelector, creditor secondary.CreditorSelector, update secondary.DebtUpdate) (bool, error) {
	return Do(g.cb, func() (bool, error) { return g.inner.UpdateCreditorDebt(ctx, client, creditor, update) })
}

func (g *guardedSecondary) Ping(ctx context.Context) error {
	_, err := Do(g.cb, func() (struct{}, error) { return struct{}{}, g.inner.Ping(ctx) })
	return err
}

// GuardDispatch wraps the dispatcher's queue surface so a struggling primary
// store trips the storage breaker instead of hammering the pool. Sentinel
// errors pass through unchanged.
func GuardDispatch(cb *gobreaker.CircuitBreaker, inner worker.DispatchStore) worker.DispatchStore {
	return &guardedDispatch{cb: cb, inner: inner}
}

type guardedDispatch struct {
	cb    *gobreaker.CircuitBreaker
	inner worker.DispatchStore
}

func (g *guardedDispatch) ClaimNextQueued(ctx context.Context) (model.InboundMessage, error) {
	return Do(g.cb, func() (model.InboundMessage, error) { return g.inner.ClaimNextQueued(ctx) })
}

func (g *guardedDispatch) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := Do(g.cb, func() (struct{}, error) { return struct{}{}, g.inner.MarkFailed(ctx, id, errMsg) })
	return err
}

func (g *guardedDispatch) RequeueFailed(ctx context.Context, id uuid.UUID) error {
	_, err := Do(g.cb, func() (struct{}, error) { return struct{}{}, g.inner.RequeueFailed(ctx, id) })
	return err
}

func (g *guardedDispatch) ListRetryableFailed(ctx context.Context, maxRetries, limit int) ([]model.InboundMessage, error) {
	return Do(g.cb, func() ([]model.InboundMessage, error) { return g.inner.ListRetryableFailed(ctx, maxRetries, limit) })
}

func (g *guardedDispatch) CountQueued(ctx context.Context) (int, error) {
	return Do(g.cb, func() (int, error) { return g.inner.CountQueued(ctx) })
}
