// Package tablestore stores tickets in an Azure Storage table. Compare-and-swap writes
// combine the ticket version with the entity ETag.
package tablestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/domain"
)

const (
	edmDouble = "Edm.Double"
	edmInt64  = "Edm.Int64"
)

type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

type TicketStore struct {
	table tableClient
}

// NewTicketStore connects to tableName, creating the table if it does not exist.
func NewTicketStore(ctx context.Context, connStr, tableName string) (*TicketStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    30 * time.Second,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, fmt.Errorf("tables client: %w", err)
	}
	if _, err := svc.CreateTable(ctx, tableName, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
			return nil, fmt.Errorf("create table %s: %w", tableName, err)
		}
	}
	return newTicketStore(svc.NewClient(tableName)), nil
}

func newTicketStore(table tableClient) *TicketStore {
	return &TicketStore{table: table}
}

type ticketEntity struct {
	aztables.Entity
	Title       string  `json:"Title"`
	Price       float64 `json:"Price"`
	PriceType   string  `json:"Price@odata.type,omitempty"`
	UserID      string  `json:"UserID"`
	OrderID     string  `json:"OrderID"`
	Version     int64   `json:"Version,string"`
	VersionType string  `json:"Version@odata.type,omitempty"`
	CreatedAt   string  `json:"CreatedAt"`
	UpdatedAt   string  `json:"UpdatedAt"`
}

func toEntity(t domain.Ticket) ticketEntity {
	return ticketEntity{
		Entity:      aztables.Entity{PartitionKey: t.ID, RowKey: t.ID},
		Title:       t.Title,
		Price:       t.Price,
		PriceType:   edmDouble,
		UserID:      t.OwnerID,
		OrderID:     t.OrderID,
		Version:     t.Version,
		VersionType: edmInt64,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (e ticketEntity) ticket() (domain.Ticket, error) {
	created, err := time.Parse(time.RFC3339Nano, e.CreatedAt)
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("parse CreatedAt: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, e.UpdatedAt)
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("parse UpdatedAt: %w", err)
	}
	return domain.Ticket{
		ID:        e.RowKey,
		Title:     e.Title,
		Price:     e.Price,
		OwnerID:   e.UserID,
		OrderID:   e.OrderID,
		Version:   e.Version,
		CreatedAt: created.UTC(),
		UpdatedAt: updated.UTC(),
	}, nil
}

func decodeEntity(raw []byte) (ticketEntity, error) {
	var ent ticketEntity
	if err := sonic.Unmarshal(raw, &ent); err != nil {
		return ticketEntity{}, fmt.Errorf("decode ticket entity: %w", err)
	}
	return ent, nil
}

func (s *TicketStore) CreateTicket(ctx context.Context, t domain.Ticket) error {
	payload, err := sonic.Marshal(toEntity(t))
	if err != nil {
		return fmt.Errorf("encode ticket entity: %w", err)
	}
	if _, err := s.table.AddEntity(ctx, payload, nil); err != nil {
		if statusCode(err) == http.StatusConflict {
			return fmt.Errorf("%w: ticket %s already exists", domain.ErrConflict, t.ID)
		}
		return fmt.Errorf("add ticket entity: %w", err)
	}
	return nil
}

func (s *TicketStore) FindTicket(ctx context.Context, id string) (domain.Ticket, error) {
	t, _, err := s.get(ctx, id)
	return t, err
}

func (s *TicketStore) get(ctx context.Context, id string) (domain.Ticket, azcore.ETag, error) {
	if id == "" {
		return domain.Ticket{}, "", domain.ErrTicketNotFound
	}
	resp, err := s.table.GetEntity(ctx, id, id, nil)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return domain.Ticket{}, "", domain.ErrTicketNotFound
		}
		return domain.Ticket{}, "", fmt.Errorf("get ticket entity: %w", err)
	}
	ent, err := decodeEntity(resp.Value)
	if err != nil {
		return domain.Ticket{}, "", err
	}
	t, err := ent.ticket()
	if err != nil {
		return domain.Ticket{}, "", err
	}
	return t, resp.ETag, nil
}

func (s *TicketStore) ListAvailableTickets(ctx context.Context) ([]domain.Ticket, error) {
	filter := "OrderID eq ''"
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tickets := make([]domain.Ticket, 0)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list ticket entities: %w", err)
		}
		for _, raw := range resp.Entities {
			ent, err := decodeEntity(raw)
			if err != nil {
				return nil, err
			}
			t, err := ent.ticket()
			if err != nil {
				return nil, err
			}
			tickets = append(tickets, t)
		}
	}
	return tickets, nil
}

// SaveTicket replaces the entity when its stored version equals expectedVersion. The
// replace is conditional on the ETag read alongside the version, so a write landing
// in between fails with 412 and is reported as a version conflict.
func (s *TicketStore) SaveTicket(ctx context.Context, t domain.Ticket, expectedVersion int64) error {
	current, etag, err := s.get(ctx, t.ID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return domain.ErrVersionConflict
	}

	payload, err := sonic.Marshal(toEntity(t))
	if err != nil {
		return fmt.Errorf("encode ticket entity: %w", err)
	}
	_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &etag,
		UpdateMode: aztables.UpdateModeReplace,
	})
	if err != nil {
		switch statusCode(err) {
		case http.StatusPreconditionFailed:
			return domain.ErrVersionConflict
		case http.StatusNotFound:
			return domain.ErrTicketNotFound
		}
		return fmt.Errorf("update ticket entity: %w", err)
	}
	return nil
}

// Ping reads at most one entity to check the table is reachable.
func (s *TicketStore) Ping(ctx context.Context) error {
	top := int32(1)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Top: &top})
	if _, err := pager.NextPage(ctx); err != nil {
		return fmt.Errorf("ping tickets table: %w", err)
	}
	return nil
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}
