// Package secrets resolves provider API keys from AWS Secrets Manager
// with a short-lived in-process cache, falling back to an in-memory
// store for local development.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type Store interface {
	Get(ctx context.Context, name string) (string, error)
	GetJSON(ctx context.Context, name string, v any) error
}

// ProviderKey resolves the conventional secret name for a provider's
// API key under the given prefix, e.g. "aicore/providers/openai".
func ProviderKey(ctx context.Context, store Store, prefix, provider string) (string, error) {
	return store.Get(ctx, prefix+"/providers/"+provider)
}

type AWSStore struct {
	client *secretsmanager.Client
	mu     sync.RWMutex
	cache  map[string]cachedValue
	ttl    time.Duration
}

type cachedValue struct {
	value     string
	expiresAt time.Time
}

func NewAWSStore(ctx context.Context, region string) (*AWSStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSStoreWithConfig(cfg), nil
}

func NewAWSStoreWithConfig(cfg aws.Config) *AWSStore {
	return &AWSStore{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]cachedValue),
		ttl:    5 * time.Minute,
	}
}

func (s *AWSStore) Get(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok && time.Now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	value := ""
	if result.SecretString != nil {
		value = *result.SecretString
	}

	s.mu.Lock()
	s.cache[name] = cachedValue{value: value, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return value, nil
}

func (s *AWSStore) GetJSON(ctx context.Context, name string, v any) error {
	secret, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(secret), v)
}

func (s *AWSStore) SetCacheTTL(ttl time.Duration) {
	s.ttl = ttl
}

type InMemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{values: make(map[string]string)}
}

func (s *InMemoryStore) Get(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[name]
	if !ok {
		return "", fmt.Errorf("secret %s not found", name)
	}
	return value, nil
}

func (s *InMemoryStore) GetJSON(ctx context.Context, name string, v any) error {
	secret, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(secret), v)
}

func (s *InMemoryStore) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}
