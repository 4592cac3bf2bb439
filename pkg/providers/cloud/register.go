package cloud

import (
	"context"

	"go.uber.org/zap"

	"github.com/perch-hq/perch-engine/pkg/models"
	"github.com/perch-hq/perch-engine/pkg/providers"
)

func init() {
	providers.Register(providers.Registration{
		Info: providers.Info{
			Provider:    models.ProviderCloud,
			DisplayName: "Cloud Compute & Storage",
			Description: "Mirror compute instances and storage buckets",
		},
		NewClient: func(ctx context.Context, conn *models.Connection, logger *zap.Logger) (providers.Client, error) {
			cfg, err := FromBlob(conn.Credentials)
			if err != nil {
				return nil, err
			}
			return newClient(cfg, logger), nil
		},
		Strategy: strategy{},
	})
}
