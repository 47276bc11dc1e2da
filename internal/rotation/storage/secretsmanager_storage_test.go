package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSecretsManager keeps secrets in memory and pages ListSecrets two at a time.
type fakeSecretsManager struct {
	mu      sync.Mutex
	secrets map[string]string
	kmsKeys map[string]string
}

func newFakeSecretsManager() *fakeSecretsManager {
	return &fakeSecretsManager{secrets: map[string]string{}, kmsKeys: map[string]string{}}
}

func (f *fakeSecretsManager) CreateSecret(_ context.Context, in *secretsmanager.CreateSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.Name)
	if _, ok := f.secrets[name]; ok {
		return nil, &types.ResourceExistsException{Message: aws.String("exists")}
	}
	f.secrets[name] = aws.ToString(in.SecretString)
	f.kmsKeys[name] = aws.ToString(in.KmsKeyId)
	return &secretsmanager.CreateSecretOutput{Name: in.Name}, nil
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.secrets[aws.ToString(in.SecretId)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("missing")}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func (f *fakeSecretsManager) ListSecrets(_ context.Context, in *secretsmanager.ListSecretsInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := in.Filters[0].Values[0]
	var names []string
	for name := range f.secrets {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	start := 0
	if in.NextToken != nil {
		for i, n := range names {
			if n == aws.ToString(in.NextToken) {
				start = i
			}
		}
	}
	end := start + 2
	out := &secretsmanager.ListSecretsOutput{}
	if end < len(names) {
		out.NextToken = aws.String(names[end])
	} else {
		end = len(names)
	}
	for _, n := range names[start:end] {
		out.SecretList = append(out.SecretList, types.SecretListEntry{Name: aws.String(n)})
	}
	return out, nil
}

func TestSecretsManagerStore_WriteListRead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := newFakeSecretsManager()
	store := NewSecretsManagerStore(fake, "ops/rootrotate/", "alias/backups")
	base := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	var written []string
	for i, kind := range []Kind{KindAccessKeyMeta, KindRootSecret, KindAccessKeyMeta} {
		store.now = fixedClock(base.Add(time.Duration(i) * time.Second))
		id, err := store.Write(ctx, kind, "run-9", []byte(`{"n":1}`))
		require.NoError(t, err)
		written = append(written, id)
	}
	fake.secrets["ops/rootrotate/garbage"] = "{}"

	ids, err := store.List(ctx, KindAccessKeyMeta)
	require.NoError(t, err)
	assert.Equal(t, []string{written[2], written[0]}, ids)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	b, err := store.Read(ctx, written[1])
	require.NoError(t, err)
	assert.Equal(t, KindRootSecret, b.Kind)
	assert.Equal(t, "run-9", b.RunID)
	assert.Equal(t, "alias/backups", fake.kmsKeys["ops/rootrotate/"+written[1]])
}

func TestSecretsManagerStore_CollisionGetsSuffix(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSecretsManagerStore(newFakeSecretsManager(), "rootrotate/backups", "")
	store.now = fixedClock(time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC))

	first, err := store.Write(ctx, KindRootSecret, "run", []byte(`{}`))
	require.NoError(t, err)
	second, err := store.Write(ctx, KindRootSecret, "run", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, first+".1", second)
}

func TestSecretsManagerStore_ReadMissing(t *testing.T) {
	t.Parallel()

	store := NewSecretsManagerStore(newFakeSecretsManager(), "rootrotate/backups", "")
	_, err := store.Read(context.Background(), "20261016T090000.000000000Z-rootsecret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no backup found")

	var nf *types.ResourceNotFoundException
	assert.False(t, errors.As(err, &nf))
}
