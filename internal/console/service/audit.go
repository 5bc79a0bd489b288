package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/rooms-watchdog/internal/audit"
)

// ErrJournalDisabled - журнал пишется только в лог, читать нечего.
var ErrJournalDisabled = errors.New("audit journal is not configured")

// EventReader описывает контракт чтения журнала сторожа.
type EventReader interface {
	Recent(ctx context.Context, limit int) ([]audit.Event, error)
}

type AuditService struct {
	repo EventReader
}

// NewAuditService принимает nil, если журнал не подключен к базе.
func NewAuditService(repo EventReader) *AuditService {
	return &AuditService{repo: repo}
}

func (s *AuditService) Recent(ctx context.Context, limit int) ([]audit.Event, error) {
	if s.repo == nil {
		return nil, ErrJournalDisabled
	}
	events, err := s.repo.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch events: %w", err)
	}
	if events == nil {
		events = []audit.Event{}
	}
	return events, nil
}
