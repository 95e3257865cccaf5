package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxAuditRecords потолок журнала в памяти, старые записи вытесняются
const maxAuditRecords = 1000

// InMemoryWebhookAuditRepository журнал аудита вебхуков в памяти
type InMemoryWebhookAuditRepository struct {
	mu      sync.RWMutex
	records []domain.WebhookAudit
}

// NewInMemoryWebhookAuditRepository создает новый журнал аудита в памяти
func NewInMemoryWebhookAuditRepository() *InMemoryWebhookAuditRepository {
	return &InMemoryWebhookAuditRepository{
		records: make([]domain.WebhookAudit, 0, 64),
	}
}

// Record сохраняет запись журнала
func (r *InMemoryWebhookAuditRepository) Record(ctx context.Context, audit domain.WebhookAudit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now().UTC()
	}

	r.records = append(r.records, audit)
	if len(r.records) > maxAuditRecords {
		r.records = r.records[len(r.records)-maxAuditRecords:]
	}
	return nil
}

// List возвращает записи журнала, новые в начале
func (r *InMemoryWebhookAuditRepository) List(ctx context.Context, limit, offset int) ([]domain.WebhookAudit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sorted := make([]domain.WebhookAudit, len(r.records))
	copy(sorted, r.records)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	if offset >= len(sorted) {
		return []domain.WebhookAudit{}, nil
	}
	sorted = sorted[offset:]
	if limit > 0 && limit < len(sorted) {
		sorted = sorted[:limit]
	}
	return sorted, nil
}

// PostgresWebhookAuditRepository журнал аудита вебхуков в PostgreSQL
type PostgresWebhookAuditRepository struct {
	db *pgxpool.Pool
}

// NewPostgresWebhookAuditRepository создает новый журнал аудита в PostgreSQL
func NewPostgresWebhookAuditRepository(db *pgxpool.Pool) *PostgresWebhookAuditRepository {
	return &PostgresWebhookAuditRepository{db: db}
}

// Record сохраняет запись журнала
func (r *PostgresWebhookAuditRepository) Record(ctx context.Context, audit domain.WebhookAudit) error {
	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}

	query := `
		INSERT INTO webhook_audit (id, provider, kind, status, entity_uuid, error_message, payload, received_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`
	var entityUUID *uuid.UUID
	if audit.EntityUUID != uuid.Nil {
		entityUUID = &audit.EntityUUID
	}

	_, err := r.db.Exec(ctx, query,
		audit.ID,
		string(audit.Provider),
		audit.Kind,
		string(audit.Status),
		entityUUID,
		nullString(audit.ErrorMessage),
		audit.Payload,
		audit.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert webhook audit record: %w", err)
	}
	return nil
}

// List возвращает записи журнала, новые в начале
func (r *PostgresWebhookAuditRepository) List(ctx context.Context, limit, offset int) ([]domain.WebhookAudit, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, provider, kind, status, entity_uuid, error_message, payload, received_at, created_at
		FROM webhook_audit
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook audit records: %w", err)
	}
	defer rows.Close()

	var records []domain.WebhookAudit
	for rows.Next() {
		var audit domain.WebhookAudit
		var entityUUID *uuid.UUID
		var errorMessage *string

		err := rows.Scan(
			&audit.ID,
			&audit.Provider,
			&audit.Kind,
			&audit.Status,
			&entityUUID,
			&errorMessage,
			&audit.Payload,
			&audit.ReceivedAt,
			&audit.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook audit record: %w", err)
		}

		if entityUUID != nil {
			audit.EntityUUID = *entityUUID
		}
		if errorMessage != nil {
			audit.ErrorMessage = *errorMessage
		}
		records = append(records, audit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook audit records: %w", err)
	}
	return records, nil
}
