package export

import (
	"context"
	"fmt"
	"log"

	"github.com/durellwilson/sop-maker-sub002/internal/store"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetSOP(ctx context.Context, id string) (store.SOP, error)
	ListSteps(ctx context.Context, sopID string) ([]store.Step, error)
	ListMedia(ctx context.Context, stepID string) ([]store.Media, error)
	GetAccountByID(ctx context.Context, id string) (store.Account, error)
}

// URLSigner issues download URLs for stored attachments.
type URLSigner interface {
	PresignDownload(ctx context.Context, key string) (string, error)
}

// Service provides procedure export functionality
type Service struct {
	store  DataStore
	signer URLSigner // may be nil when object storage is not configured
}

// NewService creates a new export service
func NewService(dataStore DataStore, signer URLSigner) *Service {
	return &Service{store: dataStore, signer: signer}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	sop, err := s.store.GetSOP(ctx, req.SOPID)
	if err != nil {
		return nil, fmt.Errorf("get sop: %w", err)
	}

	author := sop.CreatedBy
	if account, err := s.store.GetAccountByID(ctx, sop.CreatedBy); err == nil && account.Name != "" {
		author = account.Name
	}

	steps, err := s.store.ListSteps(ctx, req.SOPID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}

	data := TemplateData{
		Title:       sop.Title,
		Description: sop.Description,
		Category:    sop.Category,
		Status:      sop.Status,
		Version:     sop.Version,
		Author:      author,
		UpdatedAt:   sop.UpdatedAt,
		Steps:       make([]TemplateStep, 0, len(steps)),
	}

	for _, st := range steps {
		step := TemplateStep{
			Number:       st.OrderIndex + 1,
			Title:        st.Title,
			Instructions: TextToHTML(st.Instructions),
			Role:         st.Role,
			SafetyNotes:  st.SafetyNotes,
			Verification: st.Verification,
		}

		if req.IncludeMedia && s.signer != nil {
			media, err := s.store.ListMedia(ctx, st.ID)
			if err != nil {
				return nil, fmt.Errorf("list media: %w", err)
			}
			for _, m := range media {
				url, err := s.signer.PresignDownload(ctx, m.StorageKey)
				if err != nil {
					// Export proceeds without the attachment.
					log.Printf("export: presign %s: %v", m.StorageKey, err)
					continue
				}
				step.Media = append(step.Media, TemplateMedia{
					Type:    m.Type,
					Caption: m.Caption,
					URL:     url,
				})
			}
		}

		data.Steps = append(data.Steps, step)
	}

	html, err := RenderSOPHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(html, sop.Title)
	case FormatDOCX:
		return exportDOCX(html, sop.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}
