package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"ewsdispatch/internal/config"
)

type GetSecretValueAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSStore reads the current version of <prefix>/<id> from Secrets Manager.
// The prefix defaults to the project id.
type AWSStore struct {
	client GetSecretValueAPI
	prefix string
}

func NewAWSStore(ctx context.Context, projectID string, cfg config.SecretsConfig) (*AWSStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = projectID
	}
	return NewAWSStoreWithClient(secretsmanager.NewFromConfig(awsCfg), prefix), nil
}

func NewAWSStoreWithClient(client GetSecretValueAPI, prefix string) *AWSStore {
	return &AWSStore{client: client, prefix: strings.Trim(prefix, "/")}
}

func (s *AWSStore) name(id string) string {
	if s.prefix == "" {
		return id
	}
	return s.prefix + "/" + id
}

func (s *AWSStore) Get(ctx context.Context, id string) (string, error) {
	name := s.name(id)
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(name),
		VersionStage: aws.String("AWSCURRENT"),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("failed to get secret %s: %w", name, err)
	}

	if out.SecretString != nil {
		return *out.SecretString, nil
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("secret %s has no value", name)
}
