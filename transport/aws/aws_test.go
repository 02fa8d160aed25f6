package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/conditionflow/transport"
	"github.com/drblury/conditionflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "sqs", caps.Name)
	assert.Equal(t, 10, caps.MaxBatchSize)
	assert.Equal(t, transport.SQSCapabilities, Capabilities())
}

type buildStubs struct {
	loadOpts    int
	clientCalls int
	clientOpts  int
	pubCfg      *sns.PublisherConfig
	resolverArg [2]string
}

func stubAWS(t *testing.T) *buildStubs {
	t.Helper()
	originalLoader, originalResolver := DefaultConfigLoader, TopicResolverFactory
	originalPub, originalClient := PublisherFactory, ClientFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalLoader
		TopicResolverFactory = originalResolver
		PublisherFactory = originalPub
		ClientFactory = originalClient
	})

	stubs := &buildStubs{}
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		stubs.loadOpts = len(opts)
		return aws.Config{Region: "eu-central-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		stubs.resolverArg = [2]string{accountID, region}
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		stubs.pubCfg = &cfg
		return &transporttest.Publisher{}, nil
	}
	ClientFactory = func(cfg aws.Config, optFns ...func(*amazonsqs.Options)) QueueAPI {
		stubs.clientCalls++
		stubs.clientOpts = len(optFns)
		return &fakeSQS{}
	}
	return stubs
}

func TestBuild(t *testing.T) {
	t.Run("queue without notify topic", func(t *testing.T) {
		stubs := stubAWS(t)
		cfg := &transporttest.Config{
			QueueURL:  "https://sqs.eu-central-1.amazonaws.com/123456789012/conditions",
			AWSRegion: "eu-central-1",
		}

		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.NotNil(t, tr.Queue)
		assert.Nil(t, tr.Publisher)
		assert.Nil(t, stubs.pubCfg)
		assert.Equal(t, 1, stubs.clientCalls)
		assert.Zero(t, stubs.clientOpts)
		assert.Equal(t, 1, stubs.loadOpts)
	})

	t.Run("missing queue URL leaves the queue unset", func(t *testing.T) {
		stubs := stubAWS(t)
		tr, err := Build(context.Background(), &transporttest.Config{AWSRegion: "eu-central-1"}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Nil(t, tr.Queue)
		assert.Zero(t, stubs.clientCalls)
	})

	t.Run("notify topic creates an SNS publisher", func(t *testing.T) {
		stubs := stubAWS(t)
		cfg := &transporttest.Config{
			QueueURL:     "https://sqs.eu-central-1.amazonaws.com/123456789012/conditions",
			NotifyTopic:  "resort-conditions-updated",
			AWSRegion:    "eu-central-1",
			AWSAccountID: "123456789012",
		}

		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.NotNil(t, tr.Publisher)
		require.NotNil(t, stubs.pubCfg)
		assert.Empty(t, stubs.pubCfg.OptFns)
		assert.Equal(t, [2]string{"123456789012", "eu-central-1"}, stubs.resolverArg)
	})

	t.Run("custom endpoint overrides both clients", func(t *testing.T) {
		stubs := stubAWS(t)
		cfg := &transporttest.Config{
			QueueURL:           "http://localhost:4566/000000000000/conditions",
			NotifyTopic:        "resort-conditions-updated",
			AWSEndpoint:        "http://localhost:4566",
			AWSAccessKeyID:     "test",
			AWSSecretAccessKey: "test",
		}

		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, 1, stubs.clientOpts)
		require.NotNil(t, stubs.pubCfg)
		assert.Len(t, stubs.pubCfg.OptFns, 1)
		assert.Equal(t, localstackAccountID, stubs.resolverArg[0])
		assert.Equal(t, "eu-central-1", stubs.resolverArg[1])
		assert.Equal(t, 1, stubs.loadOpts)
	})

	t.Run("config loader error", func(t *testing.T) {
		stubAWS(t)
		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("no credentials")
		}
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "no credentials")
	})

	t.Run("invalid endpoint", func(t *testing.T) {
		stubAWS(t)
		_, err := Build(context.Background(), &transporttest.Config{AWSEndpoint: "localhost"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "failed to parse AWS endpoint")
	})
}

func TestResolveAccountAndRegion(t *testing.T) {
	tests := []struct {
		name        string
		cfg         *transporttest.Config
		wantAccount string
		wantRegion  string
	}{
		{
			name:        "configured values",
			cfg:         &transporttest.Config{AWSAccountID: "123456789012", AWSRegion: "us-east-1"},
			wantAccount: "123456789012",
			wantRegion:  "us-east-1",
		},
		{
			name:        "fallback region",
			cfg:         &transporttest.Config{AWSAccountID: "123456789012"},
			wantAccount: "123456789012",
			wantRegion:  "fallback",
		},
		{
			name:        "localstack default account",
			cfg:         &transporttest.Config{AWSEndpoint: "http://localhost:4566"},
			wantAccount: localstackAccountID,
			wantRegion:  "fallback",
		},
		{
			name:        "invalid account with localstack",
			cfg:         &transporttest.Config{AWSAccountID: "123", AWSEndpoint: "http://localhost:4566"},
			wantAccount: localstackAccountID,
			wantRegion:  "fallback",
		},
		{
			name:        "quoted account",
			cfg:         &transporttest.Config{AWSAccountID: `"123456789012"`},
			wantAccount: "123456789012",
			wantRegion:  "fallback",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account, region := resolveAccountAndRegion(tt.cfg, watermill.NopLogger{}, "fallback")
			assert.Equal(t, tt.wantAccount, account)
			assert.Equal(t, tt.wantRegion, region)
		})
	}
}

func TestResolveEndpoint(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		u, err := resolveEndpoint(&transporttest.Config{}, &aws.Config{})
		require.NoError(t, err)
		assert.Nil(t, u)
	})

	t.Run("configured endpoint", func(t *testing.T) {
		u, err := resolveEndpoint(&transporttest.Config{AWSEndpoint: "http://localhost:4566"}, &aws.Config{})
		require.NoError(t, err)
		assert.Equal(t, "localhost:4566", u.Host)
	})

	t.Run("base endpoint from SDK config", func(t *testing.T) {
		u, err := resolveEndpoint(&transporttest.Config{}, &aws.Config{BaseEndpoint: aws.String("http://sqs.local:9324")})
		require.NoError(t, err)
		assert.Equal(t, "sqs.local:9324", u.Host)
	})
}

func TestStaticCredentialsProvider(t *testing.T) {
	creds, err := staticCredentialsProvider("key", "secret").Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "key", creds.AccessKeyID)
	assert.Equal(t, "secret", creds.SecretAccessKey)
}
