package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/tendant/simple-content/pkg/simplecontent"
)

// Fixed owner and tenant for artifacts created by the stub service
var (
	stubOwnerID  = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	stubTenantID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

// DerivationExport is the simple-content derivation type of rendered exports
const DerivationExport = "export"

// ContentStore keeps master artifacts and their rendered exports in a
// simple-content service. Masters are contents; exports are derived contents
// of their master.
type ContentStore struct {
	service simplecontent.Service
}

// NewContentStore creates a store backed by a simple-content service
func NewContentStore(service simplecontent.Service) *ContentStore {
	return &ContentStore{service: service}
}

// PutMaster uploads a background-removed master image and returns its identifier
func (cs *ContentStore) PutMaster(ctx context.Context, fileName string, r io.Reader) (string, error) {
	content, err := cs.service.UploadContent(ctx, simplecontent.UploadContentRequest{
		OwnerID:      stubOwnerID,
		TenantID:     stubTenantID,
		Name:         fileName,
		DocumentType: "image/png",
		Reader:       r,
		FileName:     fileName,
		Tags:         []string{"master"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload master: %w", err)
	}
	return content.ID.String(), nil
}

// PutExport uploads a rendered export as derived content of its master
func (cs *ContentStore) PutExport(ctx context.Context, masterID string, variant string, fileName string, r io.Reader) (string, error) {
	parentID, err := cs.parse(masterID)
	if err != nil {
		return "", err
	}
	if _, err := cs.service.GetContent(ctx, parentID); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, masterID)
	}

	derived, err := cs.service.UploadDerivedContent(ctx, simplecontent.UploadDerivedContentRequest{
		ParentID:       parentID,
		DerivationType: DerivationExport,
		Variant:        variant,
		Reader:         r,
		FileName:       fileName,
		Tags:           []string{DerivationExport, variant},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload export: %w", err)
	}
	return derived.ID.String(), nil
}

// Open returns a reader and metadata for an artifact
func (cs *ContentStore) Open(ctx context.Context, id string) (io.ReadCloser, *Metadata, error) {
	contentID, err := cs.parse(id)
	if err != nil {
		return nil, nil, err
	}

	details, err := cs.service.GetContentDetails(ctx, contentID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	reader, err := cs.service.DownloadContent(ctx, contentID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to download content: %w", err)
	}

	return reader, &Metadata{
		Size:        details.FileSize,
		ContentType: details.MimeType,
	}, nil
}

// Remove deletes an artifact together with its exports. It reports whether
// the artifact existed.
func (cs *ContentStore) Remove(ctx context.Context, id string) (bool, error) {
	contentID, err := cs.parse(id)
	if err != nil {
		return false, nil
	}

	if _, err := cs.service.GetContent(ctx, contentID); err != nil {
		return false, nil
	}

	derived, err := cs.service.ListDerivedContent(ctx, simplecontent.WithParentID(contentID))
	if err != nil {
		return false, fmt.Errorf("failed to list exports: %w", err)
	}
	for _, d := range derived {
		err := cs.service.DeleteContent(ctx, d.ContentID)
		if err != nil && !errors.Is(err, simplecontent.ErrContentNotFound) {
			return false, fmt.Errorf("failed to delete export %s: %w", d.ContentID, err)
		}
	}

	if err := cs.service.DeleteContent(ctx, contentID); err != nil {
		return false, fmt.Errorf("failed to delete content: %w", err)
	}
	return true, nil
}

func (cs *ContentStore) parse(id string) (uuid.UUID, error) {
	contentID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid identifier %q", ErrNotFound, id)
	}
	return contentID, nil
}
