package gap

import "time"

const (
	// ProductionURL is the public indexer API
	ProductionURL = "https://gapapi.karmahq.xyz"
	// StagingURL is the staging indexer API
	StagingURL = "https://gapstagapi.karmahq.xyz"

	// MaxRequestsPerSecond keeps the client under the indexer's rate limit
	MaxRequestsPerSecond = 10

	defaultTimeout = 15 * time.Second

	projectPath   = "/v2/projects/%s"
	donationsPath = "/v2/donations"
)
