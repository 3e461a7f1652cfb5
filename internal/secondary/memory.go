package secondary

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process Store used in tests and when no secondary store
// is configured. Lookups are case-insensitive like the Mongo collation.
type Memory struct {
	mu      sync.Mutex
	clients []*Client
	fail    error
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{}
}

// Add inserts a client document.
func (m *Memory) Add(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients = append(m.clients, c)
}

// SetError makes every subsequent call fail with err. Pass nil to recover.
// Tests use this to simulate an outage.
func (m *Memory) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail
}

func (m *Memory) GetClientByTicket(_ context.Context, ticketID string) (*Client, error) {
	return m.find(func(c *Client) bool {
		return strings.EqualFold(c.TicketID, ticketID)
	})
}

func (m *Memory) GetClientByName(_ context.Context, first, last string) (*Client, error) {
	return m.find(func(c *Client) bool {
		return strings.EqualFold(c.FirstName, first) && strings.EqualFold(c.LastName, last)
	})
}

func (m *Memory) GetClientByCaseNumber(_ context.Context, caseNumber string) (*Client, error) {
	return m.find(func(c *Client) bool {
		for _, az := range c.CaseNumbers {
			if strings.EqualFold(az, caseNumber) {
				return true
			}
		}
		return false
	})
}

func (m *Memory) find(match func(*Client) bool) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	for _, c := range m.clients {
		if match(c) {
			cp := *c
			cp.Creditors = append([]Creditor(nil), c.Creditors...)
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateCreditorDebt(_ context.Context, client ClientSelector, creditor CreditorSelector, update DebtUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	for _, c := range m.clients {
		if !matchSelector(c, client) {
			continue
		}
		for i := range c.Creditors {
			entry := &c.Creditors[i]
			if creditor.Email != "" && !strings.EqualFold(entry.Email, creditor.Email) {
				continue
			}
			if creditor.Email == "" && !strings.EqualFold(entry.Name, creditor.Name) {
				continue
			}
			entry.Amount = update.Amount
			entry.Source = update.Source
			entry.UpdatedAt = update.ResponseTimestamp
			if update.ResponseText != "" {
				entry.ResponseText = update.ResponseText
			}
			if len(update.ReferenceNumbers) > 0 {
				entry.ReferenceNumbers = update.ReferenceNumbers
			}
			if update.ExtractionConfidence != "" {
				entry.ExtractionConfidence = update.ExtractionConfidence
			}
			return true, nil
		}
	}
	return false, nil
}

func matchSelector(c *Client, sel ClientSelector) bool {
	switch {
	case sel.TicketID != "":
		return strings.EqualFold(c.TicketID, sel.TicketID)
	case sel.CaseNumber != "":
		for _, az := range c.CaseNumbers {
			if strings.EqualFold(az, sel.CaseNumber) {
				return true
			}
		}
		return false
	case sel.FirstName != "" && sel.LastName != "":
		return strings.EqualFold(c.FirstName, sel.FirstName) && strings.EqualFold(c.LastName, sel.LastName)
	}
	return false
}
