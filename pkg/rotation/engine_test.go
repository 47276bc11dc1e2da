package rotation_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/logging"
	"github.com/systmms/rootrotate/internal/rotation/health"
	"github.com/systmms/rootrotate/internal/rotation/notifications"
	"github.com/systmms/rootrotate/internal/rotation/storage"
	"github.com/systmms/rootrotate/pkg/rotation"
	"github.com/systmms/rootrotate/tests/fakes"
)

const (
	testPrincipal = "cco-root-prod-east-x7k2p"
	originalKey   = "AKIAORIGINAL00000001"
	firstMinted   = "AKIAFAKEMINTED000001"
	rootNamespace = "kube-system"
	rootName      = "aws-creds"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.RotationEvent
}

func (n *recordingNotifier) Send(e notifications.RotationEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) types() []notifications.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notifications.EventType
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	iam      *fakes.FakeIAM
	cluster  *fakes.FakeCluster
	verifier *fakes.FakeVerifier
	store    *storage.FileStorage
	notifier *recordingNotifier
}

// newHarness builds a cluster whose principal exists with its policy and a
// single Active key referenced by the root secret.
func newHarness(t *testing.T) *harness {
	t.Helper()
	now := time.Now()

	iam := fakes.NewFakeIAM()
	user := iam.AddUser(testPrincipal)
	user.Policies[rotation.DefaultPolicyName] = rotation.RootPolicyDocument()
	iam.AddKey(testPrincipal, originalKey, rotation.KeyActive, now.Add(-100*24*time.Hour))

	cluster := fakes.NewFakeCluster()
	cluster.PutSecret(rootNamespace, rootName, rootData(originalKey), nil, now.Add(-365*24*time.Hour))
	cluster.AddRequest("openshift-image-registry", "openshift-image-registry", "installer-cloud-credentials", now.Add(-time.Hour))
	cluster.AddRequest("openshift-ingress", "openshift-ingress-operator", "cloud-credentials", now.Add(-time.Hour))

	return &harness{
		iam:      iam,
		cluster:  cluster,
		verifier: fakes.NewFakeVerifier(iam),
		store:    storage.NewFileStorage(t.TempDir()),
		notifier: &recordingNotifier{},
	}
}

func rootData(keyID string) map[string][]byte {
	return map[string][]byte{
		rotation.SecretKeyAccessKeyID:     []byte(keyID),
		rotation.SecretKeySecretAccessKey: []byte("secret-" + keyID),
	}
}

func (h *harness) engine(dryRun bool) *rotation.Engine {
	return rotation.NewEngine(rotation.Dependencies{
		IAM:      h.iam,
		Cluster:  h.cluster,
		Verifier: h.verifier,
		Backups:  h.store,
		History:  h.store,
		Notifier: h.notifier,
		Logger:   logging.Discard(),
	}, rotation.EngineConfig{
		DryRun:     dryRun,
		RootSecret: rotation.SecretRef{Namespace: rootNamespace, Name: rootName},
		KeyMaxAge:  90 * 24 * time.Hour,
		Confirm: rotation.ConfirmConfig{
			Attempts: 3,
			Interval: time.Millisecond,
			Timeout:  time.Second,
		},
		Refresh: rotation.RefresherConfig{
			PollInterval: 5 * time.Millisecond,
			Timeout:      200 * time.Millisecond,
		},
		Health:        health.VerifierConfig{PollInterval: 5 * time.Millisecond},
		HealthTimeout: 200 * time.Millisecond,
		Timeout:       30 * time.Second,
	})
}

func (h *harness) rootKeyID(t *testing.T) string {
	t.Helper()
	s, ok := h.cluster.Secret(rootNamespace, rootName)
	require.True(t, ok)
	return string(s.Data[rotation.SecretKeyAccessKeyID])
}

func TestEngine_RunRotatesKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	report := h.engine(false).Run(context.Background())

	require.Equal(t, rotation.StatusSuccess, report.FinalStatus, report.Summary())
	assert.Equal(t, 0, report.FinalStatus.ExitCode())
	assert.Equal(t, testPrincipal, report.Principal)
	assert.Equal(t, "prod-east-x7k2p", report.ClusterID)
	assert.Equal(t, originalKey, report.PreviousKeyID)
	assert.Equal(t, firstMinted, report.NewKeyID)
	assert.Len(t, report.Backups, 2)
	assert.True(t, report.Mutated)

	assert.Equal(t, firstMinted, h.rootKeyID(t))
	assert.Equal(t, []string{firstMinted}, h.iam.ActiveKeys(testPrincipal))
	assert.Len(t, h.iam.Keys(testPrincipal), 2, "superseded key is deactivated, not deleted")
	assert.Empty(t, h.iam.Violations)

	var names []string
	for _, s := range report.Steps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		rotation.StepPreflight,
		rotation.StepResolveIdentity,
		"EnsurePrincipal",
		"Discovering",
		"BackingUp",
		"RetiringOld",
		"Minting",
		"Installing",
		"ConfirmingNewKey",
		"Committed",
		rotation.StepRefresh,
		rotation.StepAwaitHealthy,
	}, names)

	require.Len(t, report.Components, 2)
	for _, c := range report.Components {
		assert.Equal(t, rotation.ComponentRefreshed, c.Outcome, c.Component)
	}

	history, err := h.store.GetAllHistory(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, report.RunID, history[0].ID)

	assert.Equal(t, []notifications.EventType{notifications.EventTypeStarted, notifications.EventTypeCompleted}, h.notifier.types())
}

func TestEngine_InstallsAnnotations(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	report := h.engine(false).Run(context.Background())
	require.Equal(t, rotation.StatusSuccess, report.FinalStatus, report.Summary())

	s, ok := h.cluster.Secret(rootNamespace, rootName)
	require.True(t, ok)
	assert.Equal(t, "secret-"+firstMinted, string(s.Data[rotation.SecretKeySecretAccessKey]))
	assert.Equal(t, originalKey, s.Annotations[rotation.AnnotationPreviousKeyID])
	assert.Equal(t, h.iam.Caller.ARN, s.Annotations[rotation.AnnotationRotatedBy])

	rotatedAt, err := time.Parse(time.RFC3339, s.Annotations[rotation.AnnotationLastRotatedAt])
	require.NoError(t, err)
	assert.False(t, rotatedAt.Before(report.StartedAt.Truncate(time.Second)))
}

func TestEngine_InstallWritesRootSecretOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	report := h.engine(false).Run(context.Background())
	require.Equal(t, rotation.StatusSuccess, report.FinalStatus, report.Summary())

	var rootWrites []fakes.SecretUpdate
	for _, u := range h.cluster.Updates {
		if u.Namespace == rootNamespace && u.Name == rootName {
			rootWrites = append(rootWrites, u)
		}
	}
	require.Len(t, rootWrites, 1)
	assert.Equal(t, firstMinted, string(rootWrites[0].Data[rotation.SecretKeyAccessKeyID]))

	step, ok := report.Step(string(rotation.StateInstalling))
	require.True(t, ok)
	assert.Equal(t, rotation.OutcomeSucceeded, step.Outcome)
}

func TestEngine_TwoRunsLeaveOneActiveKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	first := h.engine(false).Run(context.Background())
	require.Equal(t, rotation.StatusSuccess, first.FinalStatus, first.Summary())

	second := h.engine(false).Run(context.Background())
	require.Equal(t, rotation.StatusSuccess, second.FinalStatus, second.Summary())

	active := h.iam.ActiveKeys(testPrincipal)
	require.Len(t, active, 1)
	assert.Equal(t, second.NewKeyID, active[0])
	assert.Equal(t, second.NewKeyID, h.rootKeyID(t))
	assert.Equal(t, first.NewKeyID, second.PreviousKeyID)

	for _, k := range h.iam.Keys(testPrincipal) {
		assert.NotEqual(t, originalKey, k.ID, "original key is deleted by the second run")
	}

	s, _ := h.cluster.Secret(rootNamespace, rootName)
	rotatedAt, err := time.Parse(time.RFC3339, s.Annotations[rotation.AnnotationLastRotatedAt])
	require.NoError(t, err)
	assert.False(t, rotatedAt.Before(second.StartedAt.Truncate(time.Second)))
	assert.Equal(t, first.NewKeyID, s.Annotations[rotation.AnnotationPreviousKeyID])

	assert.Empty(t, h.iam.Violations)
}

func TestEngine_ConfirmFailureRestoresRootSecret(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.verifier.Reject[firstMinted] = true

	report := h.engine(false).Run(context.Background())

	assert.Equal(t, rotation.StatusFailed, report.FinalStatus)
	assert.Equal(t, 1, report.FinalStatus.ExitCode())
	assert.Equal(t, "ConfirmingNewKey", report.FailedStep)
	assert.True(t, report.RolledBack)
	assert.Len(t, report.Backups, 2)
	assert.Equal(t, 3, h.verifier.Calls(firstMinted))

	assert.Equal(t, originalKey, h.rootKeyID(t), "root secret points at the backed-up key")
	assert.Contains(t, h.iam.ActiveKeys(testPrincipal), originalKey)
	assert.Empty(t, h.iam.Violations)

	_, ok := report.Step(rotation.StepRefresh)
	assert.False(t, ok, "refresh does not run after a failed confirmation")

	types := h.notifier.types()
	assert.Contains(t, types, notifications.EventTypeRollback)
	assert.Equal(t, notifications.EventTypeFailed, types[len(types)-1])
}

func TestEngine_ConfirmLagIsRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.verifier.LagAttempts = 2

	report := h.engine(false).Run(context.Background())

	require.Equal(t, rotation.StatusSuccess, report.FinalStatus, report.Summary())
	assert.Equal(t, 3, h.verifier.Calls(firstMinted))
}

func TestEngine_RecoversAfterFailedRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.verifier.Reject[firstMinted] = true

	failed := h.engine(false).Run(context.Background())
	require.Equal(t, rotation.StatusFailed, failed.FinalStatus)
	require.Len(t, h.iam.Keys(testPrincipal), 2, "unconfirmed key is left behind")

	delete(h.verifier.Reject, firstMinted)
	report := h.engine(false).Run(context.Background())

	require.Equal(t, rotation.StatusSuccess, report.FinalStatus, report.Summary())
	assert.Equal(t, []string{report.NewKeyID}, h.iam.ActiveKeys(testPrincipal))
	for _, k := range h.iam.Keys(testPrincipal) {
		assert.NotEqual(t, firstMinted, k.ID, "orphan from the failed run is retired")
	}
	assert.Empty(t, h.iam.Violations)
}

func TestEngine_PartialRefreshCompletesWithWarnings(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cluster.Requests = nil
	created := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		ns := fmt.Sprintf("component-%d", i)
		h.cluster.AddRequest(ns, ns, "cloud-credentials", created)
	}
	h.cluster.NoRecreate["component-3/cloud-credentials"] = true

	report := h.engine(false).Run(context.Background())

	assert.Equal(t, rotation.StatusCompletedWithWarnings, report.FinalStatus, report.Summary())
	assert.Equal(t, 2, report.FinalStatus.ExitCode())

	counts := map[rotation.ComponentOutcome]int{}
	for _, c := range report.Components {
		counts[c.Outcome]++
		if c.Outcome == rotation.ComponentDegraded {
			assert.Equal(t, "component-3/cloud-credentials", c.Secret)
		}
	}
	assert.Equal(t, 4, counts[rotation.ComponentRefreshed])
	assert.Equal(t, 1, counts[rotation.ComponentDegraded])

	step, ok := report.Step(rotation.StepRefresh)
	require.True(t, ok)
	assert.Equal(t, rotation.OutcomeDegraded, step.Outcome)
	assert.Equal(t, firstMinted, h.rootKeyID(t), "rotation is not undone")
}

func TestEngine_DryRunMakesNoMutations(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	report := h.engine(true).Run(context.Background())

	assert.Equal(t, rotation.StatusSuccess, report.FinalStatus, report.Summary())
	assert.True(t, report.DryRun)
	assert.False(t, report.Mutated)

	assert.Zero(t, h.iam.Calls("CreateAccessKey"))
	assert.Zero(t, h.iam.Calls("DeleteAccessKey"))
	assert.Zero(t, h.iam.MutationCalls())
	assert.Zero(t, h.cluster.Calls("UpdateSecret"))
	assert.Zero(t, h.cluster.Calls("DeleteSecret"))

	backups, err := h.store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, backups)

	for _, name := range []string{"BackingUp", "RetiringOld", "Minting", "Installing", "ConfirmingNewKey", "Committed", rotation.StepRefresh, rotation.StepAwaitHealthy} {
		step, ok := report.Step(name)
		require.True(t, ok, name)
		assert.Equal(t, rotation.OutcomePlanned, step.Outcome, name)
	}
	assert.Equal(t, originalKey, h.rootKeyID(t))
}

func TestEngine_DryRunWithoutPrincipal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	delete(h.iam.Users, testPrincipal)

	report := h.engine(true).Run(context.Background())

	assert.Equal(t, rotation.StatusSuccess, report.FinalStatus, report.Summary())
	assert.Zero(t, h.iam.MutationCalls())
	assert.Zero(t, h.iam.Calls("ListAccessKeys"))

	step, ok := report.Step("EnsurePrincipal")
	require.True(t, ok)
	assert.Equal(t, rotation.OutcomePlanned, step.Outcome)
	assert.Contains(t, step.Detail, "create user "+testPrincipal)
}

func TestEngine_TwoStaleKeys(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.iam.AddKey(testPrincipal, "AKIASTALEORPHAN00001", rotation.KeyActive, time.Now().Add(-150*24*time.Hour))
	require.Len(t, h.iam.Keys(testPrincipal), 2)

	report := h.engine(false).Run(context.Background())

	require.Equal(t, rotation.StatusSuccess, report.FinalStatus, report.Summary())
	assert.Equal(t, []string{firstMinted}, h.iam.ActiveKeys(testPrincipal))
	assert.Equal(t, firstMinted, h.rootKeyID(t))
	assert.Equal(t, 1, h.iam.Calls("CreateAccessKey"))
	assert.Equal(t, 1, h.iam.Calls("DeleteAccessKey"))
	assert.Empty(t, h.iam.Violations)

	require.Len(t, report.Backups, 2)
	backup, err := h.store.Read(context.Background(), report.Backups[0])
	require.NoError(t, err)
	snap, err := storage.DecodeAccessKeys(backup)
	require.NoError(t, err)
	assert.Len(t, snap.Keys, 2, "both keys are backed up before any is retired")
	assert.Equal(t, originalKey, snap.ReferencedKeyID)

	backing, _ := report.Step("BackingUp")
	retiring, _ := report.Step("RetiringOld")
	assert.Equal(t, rotation.OutcomeSucceeded, backing.Outcome)
	assert.Equal(t, rotation.OutcomeSucceeded, retiring.Outcome)
	assert.False(t, retiring.StartedAt.Before(backing.StartedAt))
}

func TestEngine_PreflightFailureAborts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cluster.Mode = "Passthrough"
	h.cluster.Admin = false

	report := h.engine(false).Run(context.Background())

	assert.Equal(t, rotation.StatusAborted, report.FinalStatus)
	assert.Equal(t, 1, report.FinalStatus.ExitCode())
	assert.Equal(t, rotation.StepPreflight, report.FailedStep)
	assert.Contains(t, report.Error, "minting-mode")
	assert.Contains(t, report.Error, "cluster-admin")
	assert.Zero(t, h.iam.MutationCalls())
	assert.Len(t, report.Steps, 1)
}

func TestEngine_NoRoomToMintAborts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	// The root secret references an Inactive key and the only Active key is
	// not referenced: retiring it would leave nothing to sign with.
	h.iam.Users[testPrincipal].Keys[0].Status = rotation.KeyInactive
	h.iam.AddKey(testPrincipal, "AKIAOTHERACTIVE00001", rotation.KeyActive, time.Now().Add(-time.Hour))

	report := h.engine(false).Run(context.Background())

	assert.Equal(t, rotation.StatusAborted, report.FinalStatus)
	assert.Equal(t, "RetiringOld", report.FailedStep)
	assert.Contains(t, report.Error, "no room to mint")
	assert.Zero(t, h.iam.Calls("CreateAccessKey"))
	assert.Zero(t, h.iam.Calls("DeleteAccessKey"))
	assert.Len(t, h.iam.ActiveKeys(testPrincipal), 1)
}

func TestEngine_DeleteFailureAfterMutationFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.iam.AddKey(testPrincipal, "AKIASTALEORPHAN00001", rotation.KeyActive, time.Now().Add(-150*24*time.Hour))
	h.iam.FailNext("DeleteAccessKey", rrerrors.Permission("DeleteAccessKey", fmt.Errorf("AccessDenied")), 1)

	report := h.engine(false).Run(context.Background())

	assert.Equal(t, rotation.StatusFailed, report.FinalStatus)
	assert.Equal(t, "RetiringOld", report.FailedStep)
	assert.Zero(t, h.iam.Calls("CreateAccessKey"))
	for _, k := range h.iam.Keys(testPrincipal) {
		if k.ID == "AKIASTALEORPHAN00001" {
			assert.Equal(t, rotation.KeyInactive, k.Status, "failed delete leaves an Inactive key")
		}
	}
	assert.Equal(t, originalKey, h.rootKeyID(t))
}

func TestEngine_TransientDeleteIsRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.iam.AddKey(testPrincipal, "AKIAOLDINACTIVE00001", rotation.KeyInactive, time.Now().Add(-10*24*time.Hour))
	h.iam.FailNext("DeleteAccessKey", rrerrors.Transient("DeleteAccessKey", fmt.Errorf("Throttling: rate exceeded")), 1)

	report := h.engine(false).Run(context.Background())

	require.Equal(t, rotation.StatusSuccess, report.FinalStatus, report.Summary())
	assert.Equal(t, 2, h.iam.Calls("DeleteAccessKey"))
}

func TestEngine_CreatesMissingPrincipal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	delete(h.iam.Users, testPrincipal)

	report := h.engine(false).Run(context.Background())

	// The root secret references a key the new principal does not own, so
	// there is nothing to deactivate at commit.
	require.Equal(t, rotation.StatusSuccess, report.FinalStatus, report.Summary())
	assert.Equal(t, 1, h.iam.Calls("CreateUser"))
	assert.Equal(t, 1, h.iam.Calls("PutUserPolicy"))
	assert.Equal(t, []string{firstMinted}, h.iam.ActiveKeys(testPrincipal))
	assert.Equal(t, rotation.ManagedBy, h.iam.Users[testPrincipal].Tags[rotation.TagManagedBy])
}

func TestEngine_HealthOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		operators []health.OperatorStatus
		want      rotation.FinalStatus
		outcome   rotation.Outcome
	}{
		{
			name: "credential-related operator degraded",
			operators: []health.OperatorStatus{
				{Name: "cloud-credential", Available: true},
				{Name: "image-registry", Available: true, Degraded: true, Reason: "InvalidClientTokenId"},
			},
			want:    rotation.StatusCompletedWithWarnings,
			outcome: rotation.OutcomeDegraded,
		},
		{
			name: "unrelated operator progressing",
			operators: []health.OperatorStatus{
				{Name: "cloud-credential", Available: true},
				{Name: "monitoring", Available: true, Progressing: true, Reason: "RollOut"},
			},
			want:    rotation.StatusSuccess,
			outcome: rotation.OutcomeSucceeded,
		},
		{
			name: "minting operator degraded",
			operators: []health.OperatorStatus{
				{Name: "cloud-credential", Available: true, Degraded: true, Reason: "CredentialsFailing"},
			},
			want:    rotation.StatusFailed,
			outcome: rotation.OutcomeFailed,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.cluster.Operators = tt.operators

			report := h.engine(false).Run(context.Background())

			assert.Equal(t, tt.want, report.FinalStatus, report.Summary())
			step, ok := report.Step(rotation.StepAwaitHealthy)
			require.True(t, ok)
			assert.Equal(t, tt.outcome, step.Outcome)
			require.NotNil(t, report.Health)
		})
	}
}
