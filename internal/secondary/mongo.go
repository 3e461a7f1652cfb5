package secondary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// germanCI is the case-insensitive German collation used for name and case
// number lookups. Strength 2 folds case and keeps umlaut distinctions.
var germanCI = &options.Collation{Locale: "de", Strength: 2}

// Mongo implements Store over the external client document database.
type Mongo struct {
	client  *mongo.Client
	clients *mongo.Collection
	logger  *slog.Logger
}

// NewMongo connects to the secondary store.
func NewMongo(ctx context.Context, uri, database string, logger *slog.Logger) (*Mongo, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("secondary: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("secondary: ping: %w", err)
	}
	return &Mongo{
		client:  client,
		clients: client.Database(database).Collection("clients"),
		logger:  logger,
	}, nil
}

// Close disconnects from the secondary store.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Ping checks reachability. The reconciler calls this before a drift scan.
func (m *Mongo) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.client.Ping(pingCtx, readpref.Primary())
}

func (m *Mongo) GetClientByTicket(ctx context.Context, ticketID string) (*Client, error) {
	return m.findOne(ctx, bson.M{"ticket_id": ticketID})
}

func (m *Mongo) GetClientByName(ctx context.Context, first, last string) (*Client, error) {
	return m.findOne(ctx, bson.M{"first_name": first, "last_name": last})
}

func (m *Mongo) GetClientByCaseNumber(ctx context.Context, caseNumber string) (*Client, error) {
	return m.findOne(ctx, bson.M{"case_numbers": caseNumber})
}

func (m *Mongo) findOne(ctx context.Context, filter bson.M) (*Client, error) {
	var c Client
	err := m.clients.FindOne(ctx, filter, options.FindOne().SetCollation(germanCI)).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("secondary: find client: %w", err)
	}
	return &c, nil
}

// UpdateCreditorDebt sets the amount and provenance on the matching creditor
// entry. The positional operator updates exactly one entry; no entry matched
// means false, not an error, so the caller can classify the miss.
func (m *Mongo) UpdateCreditorDebt(ctx context.Context, client ClientSelector, creditor CreditorSelector, update DebtUpdate) (bool, error) {
	filter := clientFilter(client)
	if filter == nil {
		return false, fmt.Errorf("secondary: empty client selector")
	}
	switch {
	case creditor.Email != "":
		filter["creditors.email"] = creditor.Email
	case creditor.Name != "":
		filter["creditors.name"] = creditor.Name
	default:
		return false, fmt.Errorf("secondary: empty creditor selector")
	}

	set := bson.M{
		"creditors.$.amount":     update.Amount,
		"creditors.$.source":     update.Source,
		"creditors.$.updated_at": update.ResponseTimestamp,
	}
	if update.ResponseText != "" {
		set["creditors.$.response_text"] = update.ResponseText
	}
	if len(update.ReferenceNumbers) > 0 {
		set["creditors.$.reference_numbers"] = update.ReferenceNumbers
	}
	if update.ExtractionConfidence != "" {
		set["creditors.$.extraction_confidence"] = update.ExtractionConfidence
	}

	res, err := m.clients.UpdateOne(ctx, filter, bson.M{"$set": set},
		options.UpdateOne().SetCollation(germanCI))
	if err != nil {
		return false, fmt.Errorf("secondary: update creditor debt: %w", err)
	}
	return res.MatchedCount > 0, nil
}

func clientFilter(sel ClientSelector) bson.M {
	switch {
	case sel.TicketID != "":
		return bson.M{"ticket_id": sel.TicketID}
	case sel.CaseNumber != "":
		return bson.M{"case_numbers": sel.CaseNumber}
	case sel.FirstName != "" && sel.LastName != "":
		return bson.M{"first_name": sel.FirstName, "last_name": sel.LastName}
	}
	return nil
}
