package rotation_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/logging"
	"github.com/systmms/rootrotate/pkg/rotation"
	"github.com/systmms/rootrotate/tests/fakes"
)

var testIdentity = rotation.ClusterIdentity{
	ClusterID:      "prod-east-x7k2p",
	ClusterName:    "prod-east",
	CloudAccountID: fakes.FakeAccount,
	Region:         "us-east-1",
	Platform:       "AWS",
}

func newPrincipalManager(iam rotation.IAMClient, dryRun bool, report *rotation.Report) *rotation.PrincipalManager {
	rec := rotation.NewRecorder(report, logging.Discard(), nil)
	return rotation.NewPrincipalManager(iam, rotation.PrincipalConfig{DryRun: dryRun}, logging.Discard(), rec)
}

func TestEnsurePrincipal_CreatesMissingUser(t *testing.T) {
	t.Parallel()
	iam := fakes.NewFakeIAM()
	report := &rotation.Report{}

	p, err := newPrincipalManager(iam, false, report).EnsurePrincipal(context.Background(), testIdentity)
	require.NoError(t, err)
	assert.True(t, p.Exists)
	assert.Equal(t, testPrincipal, p.Name)
	assert.Equal(t, fakes.UserARN(testPrincipal), p.ARN)

	user := iam.Users[testPrincipal]
	require.NotNil(t, user)
	assert.Equal(t, rotation.ManagedBy, user.Tags[rotation.TagManagedBy])
	assert.Equal(t, "prod-east-x7k2p", user.Tags[rotation.TagClusterID])
	assert.Equal(t, "owned", user.Tags["kubernetes.io/cluster/prod-east-x7k2p"])
	assert.Equal(t, rotation.RootPolicyDocument(), user.Policies[rotation.DefaultPolicyName])
	assert.True(t, report.Mutated)
}

func TestEnsurePrincipal_IsIdempotent(t *testing.T) {
	t.Parallel()
	iam := fakes.NewFakeIAM()
	pm := newPrincipalManager(iam, false, &rotation.Report{})

	first, err := pm.EnsurePrincipal(context.Background(), testIdentity)
	require.NoError(t, err)
	mutations := iam.MutationCalls()

	report := &rotation.Report{}
	second, err := newPrincipalManager(iam, false, report).EnsurePrincipal(context.Background(), testIdentity)
	require.NoError(t, err)
	assert.Equal(t, first.Name, second.Name)
	assert.Equal(t, first.ARN, second.ARN)
	assert.Equal(t, mutations, iam.MutationCalls(), "second call makes no IAM mutation")
	assert.False(t, report.Mutated)
}

func TestEnsurePrincipal_RepairsDriftedPolicy(t *testing.T) {
	t.Parallel()
	iam := fakes.NewFakeIAM()
	user := iam.AddUser(testPrincipal)
	user.Policies[rotation.DefaultPolicyName] = `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Action":"iam:GetUser","Resource":"*"}]}`

	report := &rotation.Report{}
	_, err := newPrincipalManager(iam, false, report).EnsurePrincipal(context.Background(), testIdentity)
	require.NoError(t, err)
	assert.Equal(t, rotation.RootPolicyDocument(), user.Policies[rotation.DefaultPolicyName])
	assert.Equal(t, 1, iam.Calls("PutUserPolicy"))
	assert.Zero(t, iam.Calls("CreateUser"))
	require.Len(t, report.Steps, 1)
	assert.Contains(t, report.Steps[0].Detail, "drifted")
}

func TestEnsurePrincipal_RepairsMissingPolicy(t *testing.T) {
	t.Parallel()
	iam := fakes.NewFakeIAM()
	user := iam.AddUser(testPrincipal)

	report := &rotation.Report{}
	_, err := newPrincipalManager(iam, false, report).EnsurePrincipal(context.Background(), testIdentity)
	require.NoError(t, err)
	assert.Equal(t, rotation.RootPolicyDocument(), user.Policies[rotation.DefaultPolicyName])
	assert.Contains(t, report.Steps[0].Detail, "missing")
}

func TestEnsurePrincipal_EquivalentPolicyIsLeftAlone(t *testing.T) {
	t.Parallel()
	iam := fakes.NewFakeIAM()
	user := iam.AddUser(testPrincipal)
	// IAM returns documents with its own key order.
	user.Policies[rotation.DefaultPolicyName] = reorder(t, rotation.RootPolicyDocument())

	_, err := newPrincipalManager(iam, false, &rotation.Report{}).EnsurePrincipal(context.Background(), testIdentity)
	require.NoError(t, err)
	assert.Zero(t, iam.Calls("PutUserPolicy"))
}

func TestEnsurePrincipal_DryRunPlansOnly(t *testing.T) {
	t.Parallel()
	iam := fakes.NewFakeIAM()
	report := &rotation.Report{}

	p, err := newPrincipalManager(iam, true, report).EnsurePrincipal(context.Background(), testIdentity)
	require.NoError(t, err)
	assert.False(t, p.Exists)
	assert.Zero(t, iam.MutationCalls())
	require.Len(t, report.Steps, 1)
	assert.Equal(t, rotation.OutcomePlanned, report.Steps[0].Outcome)
	assert.Contains(t, report.Steps[0].Detail, "create user "+testPrincipal)
}

func TestEnsurePrincipal_PermissionErrorFails(t *testing.T) {
	t.Parallel()
	iam := fakes.NewFakeIAM()
	iam.FailNext("CreateUser", rrerrors.Permission("CreateUser", errors.New("AccessDenied")), 1)
	report := &rotation.Report{}

	_, err := newPrincipalManager(iam, false, report).EnsurePrincipal(context.Background(), testIdentity)
	require.Error(t, err)
	assert.True(t, rrerrors.Is(err, rrerrors.KindPermission))
	assert.Equal(t, 1, iam.Calls("CreateUser"), "permission errors are not retried")
	assert.Equal(t, rotation.OutcomeFailed, report.Steps[0].Outcome)
}

func TestEnsurePrincipal_CreateUserRetry(t *testing.T) {
	t.Parallel()
	throttled := rrerrors.Transient("CreateUser", errors.New("Throttling: rate exceeded"))

	tests := []struct {
		name      string
		setup     func(iam *fakes.FakeIAM)
		wantCalls int
		wantErr   rrerrors.Kind
	}{
		{
			name:      "response lost after the user was created",
			setup:     func(iam *fakes.FakeIAM) { iam.LoseNextResponse("CreateUser", throttled) },
			wantCalls: 2,
		},
		{
			name:      "throttled before the user was created",
			setup:     func(iam *fakes.FakeIAM) { iam.FailNext("CreateUser", throttled, 1) },
			wantCalls: 2,
		},
		{
			name: "user appears between lookup and first create",
			setup: func(iam *fakes.FakeIAM) {
				iam.FailNext("CreateUser", rrerrors.Configuration("CreateUser", errors.New("EntityAlreadyExists")), 1)
			},
			wantCalls: 1,
			wantErr:   rrerrors.KindConfiguration,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			iam := fakes.NewFakeIAM()
			tt.setup(iam)
			report := &rotation.Report{}

			p, err := newPrincipalManager(iam, false, report).EnsurePrincipal(context.Background(), testIdentity)
			assert.Equal(t, tt.wantCalls, iam.Calls("CreateUser"))
			if tt.wantErr != rrerrors.KindUnknown {
				require.Error(t, err)
				assert.True(t, rrerrors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.True(t, p.Exists)
			assert.Equal(t, fakes.UserARN(testPrincipal), p.ARN)
			require.Contains(t, iam.Users, testPrincipal)
			assert.Equal(t, rotation.RootPolicyDocument(), iam.Users[testPrincipal].Policies[rotation.DefaultPolicyName])
		})
	}
}

func TestPrincipalManager_Lookup(t *testing.T) {
	t.Parallel()
	iam := fakes.NewFakeIAM()
	pm := newPrincipalManager(iam, false, nil)

	p, err := pm.Lookup(context.Background(), testIdentity)
	require.NoError(t, err)
	assert.False(t, p.Exists)
	assert.Equal(t, testPrincipal, p.Name)

	iam.AddUser(testPrincipal)
	p, err = pm.Lookup(context.Background(), testIdentity)
	require.NoError(t, err)
	assert.True(t, p.Exists)
	assert.Zero(t, iam.MutationCalls())
}

// reorder re-serializes a policy with sorted keys and reversed actions.
func reorder(t *testing.T, doc string) string {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(doc), &m))
	st := m["Statement"].([]interface{})[0].(map[string]interface{})
	actions := st["Action"].([]interface{})
	for i, j := 0, len(actions)-1; i < j; i, j = i+1, j-1 {
		actions[i], actions[j] = actions[j], actions[i]
	}
	out, err := json.Marshal(m)
	require.NoError(t, err)
	require.NotEqual(t, doc, string(out))
	return string(out)
}
