package providers

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"

	rrerrors "github.com/systmms/rootrotate/internal/errors"
)

// AWSOptions selects the operator's AWS credentials.
type AWSOptions struct {
	Profile string
	Region  string

	// Endpoint overrides every service endpoint, for LocalStack or testing.
	Endpoint string
}

// LoadAWSConfig resolves the default credential chain, narrowed by profile
// and region when given.
func LoadAWSConfig(ctx context.Context, opts AWSOptions) (aws.Config, error) {
	var configOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		configOpts = append(configOpts, config.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		configOpts = append(configOpts, config.WithSharedConfigProfile(opts.Profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return aws.Config{}, rrerrors.Configuration("LoadAWSConfig", err)
	}
	if opts.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(opts.Endpoint)
	}
	return cfg, nil
}
