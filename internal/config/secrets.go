package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SecretProvider resolves parameter-store paths to plaintext values.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, paths []string) (map[string]string, error)
}

// ssmBatchLimit is the GetParameters API maximum.
const ssmBatchLimit = 10

// ParameterAPI is the subset of the SSM client used here.
type ParameterAPI interface {
	GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// ParameterStore implements SecretProvider against AWS SSM Parameter Store.
type ParameterStore struct {
	api ParameterAPI
}

// NewParameterStore builds a provider using the default AWS credential chain.
func NewParameterStore(ctx context.Context, region string) (*ParameterStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config (region=%s): %w", region, err)
	}
	return &ParameterStore{api: ssm.NewFromConfig(cfg)}, nil
}

// NewParameterStoreWithAPI wraps an existing client.
func NewParameterStoreWithAPI(api ParameterAPI) *ParameterStore {
	return &ParameterStore{api: api}
}

// GetParametersBatch fetches paths with decryption, chunked to the API limit.
// Any path reported invalid fails the whole call.
func (p *ParameterStore) GetParametersBatch(ctx context.Context, paths []string) (map[string]string, error) {
	out := make(map[string]string, len(paths))
	for start := 0; start < len(paths); start += ssmBatchLimit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+ssmBatchLimit, len(paths))

		resp, err := p.api.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          paths[start:end],
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("ssm GetParameters: %w", err)
		}
		if len(resp.InvalidParameters) > 0 {
			return nil, fmt.Errorf("ssm parameters not found: %v", resp.InvalidParameters)
		}
		for _, param := range resp.Parameters {
			out[aws.ToString(param.Name)] = aws.ToString(param.Value)
		}
	}
	return out, nil
}
