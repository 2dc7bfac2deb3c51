package gap

import (
	"context"

	"github.com/gap-service/donation_service/internal/domain/entities"
)

// IndexerClient defines the indexer operations the donation flow needs
type IndexerClient interface {
	// GetProject fetches the funding metadata of a project
	GetProject(ctx context.Context, uid string) (*entities.ProjectFunding, error)

	// RecordDonation stores a confirmed on-chain donation
	RecordDonation(ctx context.Context, record entities.DonationRecord) error
}

// Ensure Client implements IndexerClient interface
var _ IndexerClient = (*Client)(nil)
