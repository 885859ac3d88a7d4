package store

import (
	"context"
	"fmt"
	"net/url"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Open dispatches uri's scheme to the matching backend, the way
// cmd/ddb-pitr/main.go picks checkpoint.S3Store vs checkpoint.MemoryStore
// off a single --resume flag, generalized to a single --store flag
// shared by every subcommand (backup, restore, migrate, gc, verify,
// cleanup-incomplete).
func Open(ctx context.Context, uri string) (Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid store location %q: %w", uri, err)
	}
	switch u.Scheme {
	case "file":
		return NewFileStore(uri)
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return NewS3Store(s3.NewFromConfig(awsCfg), uri)
	default:
		return nil, fmt.Errorf("unsupported store scheme %q (want file:// or s3://)", u.Scheme)
	}
}
