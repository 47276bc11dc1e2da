package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used for
// off-cluster backups.
type SecretsManagerAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

// SecretsManagerStore keeps backups as individual Secrets Manager secrets
// named <prefix>/<backup-id>. Secrets are only ever created, never updated.
type SecretsManagerStore struct {
	client   SecretsManagerAPI
	prefix   string
	kmsKeyID string
	now      func() time.Time
}

// NewSecretsManagerStore creates a store writing under prefix.
func NewSecretsManagerStore(client SecretsManagerAPI, prefix, kmsKeyID string) *SecretsManagerStore {
	return &SecretsManagerStore{
		client:   client,
		prefix:   strings.TrimSuffix(prefix, "/"),
		kmsKeyID: kmsKeyID,
		now:      time.Now,
	}
}

func (s *SecretsManagerStore) secretName(id string) string {
	return s.prefix + "/" + id
}

// Write creates a new secret holding the backup.
func (s *SecretsManagerStore) Write(ctx context.Context, kind Kind, runID string, payload []byte) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown backup kind %q", kind)
	}
	if !json.Valid(payload) {
		return "", fmt.Errorf("backup payload is not valid JSON")
	}

	ts := s.now().UTC()
	baseID := NewBackupID(ts, kind)
	id := baseID
	for attempt := 1; ; attempt++ {
		body, err := json.Marshal(Backup{
			ID:        id,
			Timestamp: ts,
			Kind:      kind,
			RunID:     runID,
			Payload:   json.RawMessage(payload),
		})
		if err != nil {
			return "", fmt.Errorf("failed to marshal backup: %w", err)
		}

		input := &secretsmanager.CreateSecretInput{
			Name:         aws.String(s.secretName(id)),
			SecretString: aws.String(string(body)),
			Description:  aws.String(fmt.Sprintf("rootrotate %s backup for run %s", kind, runID)),
			Tags: []types.Tag{
				{Key: aws.String("rootrotate.systmms.io/kind"), Value: aws.String(string(kind))},
				{Key: aws.String("rootrotate.systmms.io/run-id"), Value: aws.String(runID)},
			},
		}
		if s.kmsKeyID != "" {
			input.KmsKeyId = aws.String(s.kmsKeyID)
		}

		_, err = s.client.CreateSecret(ctx, input)
		if err == nil {
			return id, nil
		}
		var exists *types.ResourceExistsException
		if !errors.As(err, &exists) || attempt > 100 {
			return "", fmt.Errorf("failed to create backup secret %s: %w", s.secretName(id), err)
		}
		id = fmt.Sprintf("%s.%d", baseID, attempt)
	}
}

// List pages through secrets under the prefix.
func (s *SecretsManagerStore) List(ctx context.Context, kind Kind) ([]string, error) {
	var ids []string
	var token *string
	for {
		out, err := s.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{
			Filters: []types.Filter{{
				Key:    types.FilterNameStringTypeName,
				Values: []string{s.prefix + "/"},
			}},
			NextToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list backup secrets: %w", err)
		}
		for _, entry := range out.SecretList {
			name := aws.ToString(entry.Name)
			if !strings.HasPrefix(name, s.prefix+"/") {
				continue
			}
			id := strings.TrimPrefix(name, s.prefix+"/")
			_, k, err := ParseBackupID(id)
			if err != nil {
				continue
			}
			if kind == "" || k == kind {
				ids = append(ids, id)
			}
		}
		if out.NextToken == nil || aws.ToString(out.NextToken) == "" {
			break
		}
		token = out.NextToken
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Read fetches and decodes one backup secret.
func (s *SecretsManagerStore) Read(ctx context.Context, id string) (*Backup, error) {
	if _, _, err := ParseBackupID(id); err != nil {
		return nil, err
	}
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretName(id)),
	})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("no backup found with id %s", id)
		}
		return nil, fmt.Errorf("failed to read backup secret: %w", err)
	}

	var backup Backup
	if err := json.Unmarshal([]byte(aws.ToString(out.SecretString)), &backup); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup: %w", err)
	}
	return &backup, nil
}
