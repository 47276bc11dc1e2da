package rotation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/logging"
	"github.com/systmms/rootrotate/internal/rotation/storage"
)

// Confirmation defaults.
const (
	DefaultConfirmAttempts = 10
	DefaultConfirmInterval = 2 * time.Second
	DefaultConfirmTimeout  = 2 * time.Minute
)

// ConfirmConfig bounds the new-key confirmation loop.
type ConfirmConfig struct {
	Attempts uint64
	Interval time.Duration
	Timeout  time.Duration
}

// LifecycleConfig configures one key lifecycle run.
type LifecycleConfig struct {
	DryRun     bool
	KeyMaxAge  time.Duration
	RootSecret SecretRef
	RotatedBy  string
	RunID      string
	ClusterID  string
	Confirm    ConfirmConfig
}

// RetireReason says why a key was picked for retirement.
type RetireReason string

const (
	ReasonInactive RetireReason = "inactive"
	ReasonOrphaned RetireReason = "orphaned"
	ReasonExpired  RetireReason = "expired"
)

// RetiredKey records what happened to one old key.
type RetiredKey struct {
	ID     string       `json:"id" yaml:"id"`
	Reason RetireReason `json:"reason" yaml:"reason"`
	Action string       `json:"action" yaml:"action"`
}

// LifecycleResult is the outcome of KeyLifecycle.Run.
type LifecycleResult struct {
	State         State
	LastGoodState State
	PreviousKeyID string
	NewKeyID      string
	Retired       []RetiredKey
	Deferred      []string
	Backups       []string
	RotatedAt     time.Time
	RolledBack    bool
	ConfirmedARN  string
	Warnings      []string
}

type retireCandidate struct {
	Key    AccessKey
	Reason RetireReason
}

// KeyLifecycle runs the rotation state machine for one principal.
type KeyLifecycle struct {
	iam      IAMClient
	cluster  ClusterClient
	backups  storage.BackupStore
	verifier KeyVerifier
	restorer *Restorer
	config   LifecycleConfig
	logger   *logging.Logger
	recorder *Recorder
	retry    RetryPolicy
	now      func() time.Time
}

// NewKeyLifecycle creates a KeyLifecycle. restorer and recorder may be nil.
func NewKeyLifecycle(iam IAMClient, cluster ClusterClient, backups storage.BackupStore, verifier KeyVerifier, restorer *Restorer, config LifecycleConfig, logger *logging.Logger, recorder *Recorder) *KeyLifecycle {
	if config.Confirm.Attempts == 0 {
		config.Confirm.Attempts = DefaultConfirmAttempts
	}
	if config.Confirm.Interval <= 0 {
		config.Confirm.Interval = DefaultConfirmInterval
	}
	if config.Confirm.Timeout <= 0 {
		config.Confirm.Timeout = DefaultConfirmTimeout
	}
	return &KeyLifecycle{
		iam:      iam,
		cluster:  cluster,
		backups:  backups,
		verifier: verifier,
		restorer: restorer,
		config:   config,
		logger:   logger,
		recorder: recorder,
		retry:    DefaultRetryPolicy(),
		now:      time.Now,
	}
}

// Run discovers the principal's keys, backs them up, retires stale keys,
// mints and installs a new key, confirms it and commits. In dry-run mode it
// stops after Discovering and records the plan.
func (l *KeyLifecycle) Run(ctx context.Context, principal IAMPrincipal) (res LifecycleResult, err error) {
	state := NewStateInfo()
	defer func() {
		res.State = state.Current
		res.LastGoodState = state.LastGood
	}()
	fail := func(step *Step, e error) error {
		step.Fail(e)
		state.Fail(e)
		return e
	}

	// Discovering
	step := l.recorder.Begin(string(StateDiscovering))
	if !principal.Exists && !l.config.DryRun {
		return res, fail(step, rrerrors.Configuration(string(StateDiscovering), fmt.Errorf("principal %s does not exist", principal.Name)))
	}
	var keys []AccessKey
	if principal.Exists {
		keys, err = retryValue(ctx, l.retry, l.logger, "ListAccessKeys", func() ([]AccessKey, error) {
			return l.iam.ListAccessKeys(ctx, principal.Name)
		})
		if err != nil {
			return res, fail(step, fmt.Errorf("failed to list access keys for %s: %w", principal.Name, err))
		}
	}
	secret, err := retryValue(ctx, l.retry, l.logger, "GetSecret", func() (*Secret, error) {
		return l.cluster.GetSecret(ctx, l.config.RootSecret.Namespace, l.config.RootSecret.Name)
	})
	if err != nil {
		if rrerrors.IsNotFound(err) {
			err = rrerrors.Configuration(string(StateDiscovering), fmt.Errorf("root secret %s not found", l.config.RootSecret))
		}
		return res, fail(step, err)
	}
	referenced := string(secret.Data[SecretKeyAccessKeyID])
	if referenced == "" {
		return res, fail(step, rrerrors.Configuration(string(StateDiscovering), fmt.Errorf("root secret %s has no %s", l.config.RootSecret, SecretKeyAccessKeyID)))
	}
	if len(keys) > MaxAccessKeys {
		return res, fail(step, rrerrors.Invariant(string(StateDiscovering), "principal %s has %d access keys, limit is %d", principal.Name, len(keys), MaxAccessKeys))
	}
	res.PreviousKeyID = referenced
	step.Succeed("%d key(s) on %s, root secret references %s", len(keys), principal.Name, logging.MaskKeyID(referenced))

	candidates := retirementCandidates(keys, referenced, l.config.KeyMaxAge, l.now())
	retire, deferred, planErr := planRetirement(keys, candidates)

	if l.config.DryRun {
		l.plan(principal, keys, referenced, retire, deferred, planErr, &res)
		return res, planErr
	}

	// BackingUp
	if err := state.TransitionTo(StateBackingUp, "keys discovered"); err != nil {
		return res, err
	}
	step = l.recorder.Begin(string(StateBackingUp))
	rootBackupID, err := l.backup(ctx, principal, keys, referenced, secret, &res)
	if err != nil {
		return res, fail(step, err)
	}
	step.Succeed("%v", res.Backups)

	// RetiringOld
	if err := state.TransitionTo(StateRetiringOld, "backups written"); err != nil {
		return res, err
	}
	step = l.recorder.Begin(string(StateRetiringOld))
	if planErr != nil {
		return res, fail(step, planErr)
	}
	current := append([]AccessKey(nil), keys...)
	for _, c := range retire {
		if current, err = l.retireKey(ctx, principal.Name, c, referenced, current, &res); err != nil {
			return res, fail(step, err)
		}
	}
	for _, c := range deferred {
		res.Deferred = append(res.Deferred, c.Key.ID)
	}
	if len(current) >= MaxAccessKeys {
		return res, fail(step, rrerrors.Invariant(string(StateRetiringOld), "no room to mint: %s still has %d keys", principal.Name, len(current)))
	}
	if len(retire) == 0 && len(deferred) == 0 {
		step.Skip("no keys to retire")
	} else {
		step.Succeed("retired %d, deferred %d", len(retire), len(deferred))
	}

	// Minting
	if err := state.TransitionTo(StateMinting, "room to mint"); err != nil {
		return res, err
	}
	step = l.recorder.Begin(string(StateMinting))
	key, err := l.iam.CreateAccessKey(ctx, principal.Name)
	if err != nil {
		return res, fail(step, fmt.Errorf("failed to create access key for %s: %w", principal.Name, err))
	}
	defer key.Secret.Destroy()
	l.recorder.MarkMutated()
	l.recorder.Metrics().RecordKeyMinted()
	res.NewKeyID = key.ID
	current = append(current, key)
	step.Succeed("minted %s", logging.MaskKeyID(key.ID))

	// Installing
	if err := state.TransitionTo(StateInstalling, "key minted"); err != nil {
		return res, err
	}
	step = l.recorder.Begin(string(StateInstalling))
	if err := l.install(ctx, secret, key, referenced, &res); err != nil {
		return res, fail(step, err)
	}
	step.Succeed("%s now references %s", l.config.RootSecret, logging.MaskKeyID(key.ID))

	// ConfirmingNewKey
	if err := state.TransitionTo(StateConfirmingNewKey, "root secret updated"); err != nil {
		return res, err
	}
	step = l.recorder.Begin(string(StateConfirmingNewKey))
	arn, err := l.confirm(ctx, key, principal.ARN)
	if err != nil {
		err = fmt.Errorf("new key %s not confirmed: %w", logging.MaskKeyID(key.ID), err)
		step.Fail(err)
		state.Fail(err)
		return res, l.rollback(ctx, principal, rootBackupID, key.ID, err, &res)
	}
	res.ConfirmedARN = arn
	step.Succeed("%s authenticates as %s", logging.MaskKeyID(key.ID), arn)

	// Committed
	if err := state.TransitionTo(StateCommitted, "new key confirmed"); err != nil {
		return res, err
	}
	step = l.recorder.Begin(string(StateCommitted))
	l.commit(ctx, step, principal.Name, referenced, key.ID, current, deferred, &res)
	return res, nil
}

func (l *KeyLifecycle) backup(ctx context.Context, principal IAMPrincipal, keys []AccessKey, referenced string, secret *Secret, res *LifecycleResult) (string, error) {
	meta, err := json.Marshal(storage.AccessKeySnapshot{
		Principal:       principal.Name,
		ReferencedKeyID: referenced,
		Keys:            keyRecords(keys),
	})
	if err != nil {
		return "", err
	}
	metaID, err := l.backups.Write(ctx, storage.KindAccessKeyMeta, l.config.RunID, meta)
	if err != nil {
		return "", fmt.Errorf("failed to back up access key metadata: %w", err)
	}
	res.Backups = append(res.Backups, metaID)

	root, err := json.Marshal(storage.RootSecretSnapshot{
		Namespace:   l.config.RootSecret.Namespace,
		Name:        l.config.RootSecret.Name,
		Data:        secret.Data,
		Annotations: secret.Annotations,
	})
	if err != nil {
		return "", err
	}
	rootID, err := l.backups.Write(ctx, storage.KindRootSecret, l.config.RunID, root)
	if err != nil {
		return "", fmt.Errorf("failed to back up root secret: %w", err)
	}
	res.Backups = append(res.Backups, rootID)
	return rootID, nil
}

// retireKey deactivates then deletes c and returns the keys left on the
// principal.
func (l *KeyLifecycle) retireKey(ctx context.Context, user string, c retireCandidate, referenced string, current []AccessKey, res *LifecycleResult) ([]AccessKey, error) {
	if err := guardRetire(c.Key, referenced, current); err != nil {
		return current, err
	}
	masked := logging.MaskKeyID(c.Key.ID)

	if c.Key.Active() {
		err := retryTransient(ctx, l.retry, l.logger, "UpdateAccessKey", func() error {
			return l.iam.UpdateAccessKeyStatus(ctx, user, c.Key.ID, KeyInactive)
		})
		if err != nil && !rrerrors.IsNotFound(err) {
			return current, fmt.Errorf("failed to deactivate %s: %w", masked, err)
		}
		l.recorder.MarkMutated()
		l.recorder.Metrics().RecordKeyRetired("deactivated")
		current = setStatus(current, c.Key.ID, KeyInactive)
	}

	err := retryTransient(ctx, l.retry, l.logger, "DeleteAccessKey", func() error {
		return l.iam.DeleteAccessKey(ctx, user, c.Key.ID)
	})
	if err != nil && !rrerrors.IsNotFound(err) {
		res.Retired = append(res.Retired, RetiredKey{ID: c.Key.ID, Reason: c.Reason, Action: "deactivated"})
		return current, fmt.Errorf("failed to delete %s, left Inactive: %w", masked, err)
	}
	l.recorder.MarkMutated()
	l.recorder.Metrics().RecordKeyRetired("deleted")
	res.Retired = append(res.Retired, RetiredKey{ID: c.Key.ID, Reason: c.Reason, Action: "deleted"})
	l.logger.Info("Retired %s (%s)", masked, c.Reason)
	return removeKey(current, c.Key.ID), nil
}

func (l *KeyLifecycle) install(ctx context.Context, secret *Secret, key AccessKey, previous string, res *LifecycleResult) error {
	data := cloneData(secret.Data)
	if data == nil {
		data = make(map[string][]byte, 2)
	}
	data[SecretKeyAccessKeyID] = []byte(key.ID)
	err := key.Secret.Use(func(b []byte) error {
		data[SecretKeySecretAccessKey] = append([]byte(nil), b...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read minted secret: %w", err)
	}

	rotatedAt := l.now().UTC()
	annotations := cloneStrings(secret.Annotations)
	if annotations == nil {
		annotations = make(map[string]string, 3)
	}
	annotations[AnnotationLastRotatedAt] = rotatedAt.Format(time.RFC3339)
	annotations[AnnotationRotatedBy] = l.config.RotatedBy
	annotations[AnnotationPreviousKeyID] = previous

	err = retryTransient(ctx, l.retry, l.logger, "UpdateSecret", func() error {
		return l.cluster.UpdateSecret(ctx, l.config.RootSecret.Namespace, l.config.RootSecret.Name, data, annotations)
	})
	if err != nil {
		return fmt.Errorf("failed to update root secret %s: %w", l.config.RootSecret, err)
	}
	l.recorder.MarkMutated()
	res.RotatedAt = rotatedAt
	return nil
}

// confirm retries STS with the new key until it authenticates as the
// principal or the confirm budget runs out.
func (l *KeyLifecycle) confirm(ctx context.Context, key AccessKey, expectedARN string) (string, error) {
	cfg := l.config.Confirm
	cctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Interval
	b.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(b, cfg.Attempts-1), cctx)

	var arn string
	attempts := 0
	operation := func() error {
		attempts++
		got, err := l.verifier.Confirm(cctx, key)
		if err != nil {
			if rrerrors.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if expectedARN != "" && got != expectedARN {
			return backoff.Permanent(rrerrors.Configuration(string(StateConfirmingNewKey),
				fmt.Errorf("key authenticates as %s, expected %s", got, expectedARN)))
		}
		arn = got
		return nil
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Debug("new key not usable yet (attempt %d), retrying in %s: %v", attempts, wait.Round(time.Millisecond), err)
	}

	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		return "", fmt.Errorf("gave up after %d attempt(s): %w", attempts, err)
	}
	return arn, nil
}

// rollback restores the root secret from this run's backup after a failed
// confirmation. The returned error always carries cause.
func (l *KeyLifecycle) rollback(ctx context.Context, principal IAMPrincipal, backupID, failedKeyID string, cause error, res *LifecycleResult) error {
	if l.restorer == nil || backupID == "" {
		l.logger.Error("Root secret references an unconfirmed key; restore with: rootrotate rollback %s", backupID)
		return cause
	}

	// The run deadline may be what failed the confirmation.
	result, err := l.restorer.Restore(context.WithoutCancel(ctx), RestoreRequest{
		BackupID:    backupID,
		Reason:      cause.Error(),
		ClusterID:   l.config.ClusterID,
		Principal:   principal.Name,
		RunID:       l.config.RunID,
		FailedKeyID: failedKeyID,
		InitiatedBy: l.config.RotatedBy,
	})
	rollbackResult := "success"
	if err != nil || result == nil || !result.Success {
		rollbackResult = "failure"
	}
	l.recorder.Metrics().RecordRollback("automatic", rollbackResult)
	if rollbackResult == "failure" {
		l.logger.Error("Automatic restore failed; restore with: rootrotate rollback %s", backupID)
		if err == nil {
			err = fmt.Errorf("restore did not complete")
		}
		return fmt.Errorf("%w (automatic restore from %s failed: %v)", cause, backupID, err)
	}
	res.RolledBack = true
	return fmt.Errorf("%w (root secret restored from %s)", cause, backupID)
}

// commit deactivates the superseded key and retires deferred keys. Failures
// here leave a working root credential, so they are warnings.
func (l *KeyLifecycle) commit(ctx context.Context, step *Step, user, superseded, newKeyID string, current []AccessKey, deferred []retireCandidate, res *LifecycleResult) {
	var done []string
	warn := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		res.Warnings = append(res.Warnings, msg)
		l.recorder.Warn("%s", msg)
	}

	if old, ok := findKey(current, superseded); ok && superseded != newKeyID {
		if old.Active() {
			err := l.deactivate(ctx, user, old, current)
			if err != nil {
				warn("failed to deactivate superseded key %s: %v", logging.MaskKeyID(old.ID), err)
			} else {
				current = setStatus(current, old.ID, KeyInactive)
				done = append(done, "deactivated "+logging.MaskKeyID(old.ID))
			}
		}
	} else if superseded != newKeyID {
		l.logger.Debug("superseded key %s is not owned by %s", logging.MaskKeyID(superseded), user)
	}

	for _, c := range deferred {
		var err error
		before := len(current)
		current, err = l.retireKey(ctx, user, c, newKeyID, current, res)
		if err != nil {
			warn("failed to retire deferred key %s: %v", logging.MaskKeyID(c.Key.ID), err)
			continue
		}
		if len(current) < before {
			done = append(done, "retired "+logging.MaskKeyID(c.Key.ID))
		}
	}

	if len(res.Warnings) > 0 {
		step.Degrade("%d warning(s)", len(res.Warnings))
		return
	}
	if len(done) == 0 {
		step.Succeed("nothing to deactivate")
		return
	}
	step.Succeed("%v", done)
}

func (l *KeyLifecycle) deactivate(ctx context.Context, user string, key AccessKey, current []AccessKey) error {
	if activeCount(current) <= 1 {
		return rrerrors.Invariant(string(StateCommitted), "%s is the last active key of %s", logging.MaskKeyID(key.ID), user)
	}
	err := retryTransient(ctx, l.retry, l.logger, "UpdateAccessKey", func() error {
		return l.iam.UpdateAccessKeyStatus(ctx, user, key.ID, KeyInactive)
	})
	if err != nil {
		return err
	}
	l.recorder.MarkMutated()
	l.recorder.Metrics().RecordKeyRetired("deactivated")
	return nil
}

// plan records every mutation a real run would make, without making it.
func (l *KeyLifecycle) plan(principal IAMPrincipal, keys []AccessKey, referenced string, retire, deferred []retireCandidate, planErr error, res *LifecycleResult) {
	l.recorder.Begin(string(StateBackingUp)).Plan(
		fmt.Sprintf("write %s backup (%d keys)", storage.KindAccessKeyMeta, len(keys)),
		fmt.Sprintf("write %s backup of %s", storage.KindRootSecret, l.config.RootSecret),
	)

	step := l.recorder.Begin(string(StateRetiringOld))
	if planErr != nil {
		step.Fail(planErr)
		return
	}
	var actions []string
	for _, c := range retire {
		actions = append(actions, fmt.Sprintf("deactivate and delete %s (%s)", logging.MaskKeyID(c.Key.ID), c.Reason))
		res.Retired = append(res.Retired, RetiredKey{ID: c.Key.ID, Reason: c.Reason, Action: "planned"})
	}
	for _, c := range deferred {
		actions = append(actions, fmt.Sprintf("defer %s (%s) to Committed", logging.MaskKeyID(c.Key.ID), c.Reason))
		res.Deferred = append(res.Deferred, c.Key.ID)
	}
	if len(actions) == 0 {
		actions = append(actions, "no keys to retire")
	}
	step.Plan(actions...)

	l.recorder.Begin(string(StateMinting)).Plan(fmt.Sprintf("create access key for %s", principal.Name))
	l.recorder.Begin(string(StateInstalling)).Plan(fmt.Sprintf("update %s with the new key", l.config.RootSecret))
	l.recorder.Begin(string(StateConfirmingNewKey)).Plan(fmt.Sprintf("confirm new key via STS (up to %d attempts)", l.config.Confirm.Attempts))

	var commit []string
	if old, ok := findKey(keys, referenced); ok && old.Active() {
		commit = append(commit, "deactivate superseded "+logging.MaskKeyID(referenced))
	}
	for _, c := range deferred {
		commit = append(commit, "retire deferred "+logging.MaskKeyID(c.Key.ID))
	}
	if len(commit) == 0 {
		commit = append(commit, "nothing to deactivate")
	}
	l.recorder.Begin(string(StateCommitted)).Plan(commit...)
}

// retirementCandidates returns every key the root secret does not
// reference, inactive keys first, then oldest first.
func retirementCandidates(keys []AccessKey, referenced string, maxAge time.Duration, now time.Time) []retireCandidate {
	var out []retireCandidate
	for _, k := range keys {
		if k.ID == referenced {
			continue
		}
		reason := ReasonOrphaned
		switch {
		case !k.Active():
			reason = ReasonInactive
		case maxAge > 0 && k.Age(now) > maxAge:
			reason = ReasonExpired
		}
		out = append(out, retireCandidate{Key: k, Reason: reason})
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := out[i].Key.Active(), out[j].Key.Active()
		if ai != aj {
			return !ai
		}
		return out[i].Key.CreatedAt.Before(out[j].Key.CreatedAt)
	})
	return out
}

// planRetirement splits candidates into keys retired now and keys deferred
// to Committed. An active candidate is deferred when retiring it would leave
// the principal without an active key. It fails when the plan leaves no room
// to mint.
func planRetirement(keys []AccessKey, candidates []retireCandidate) (retire, deferred []retireCandidate, err error) {
	working := append([]AccessKey(nil), keys...)
	for _, c := range candidates {
		if c.Key.Active() && activeCount(working) <= 1 {
			deferred = append(deferred, c)
			continue
		}
		retire = append(retire, c)
		working = removeKey(working, c.Key.ID)
	}
	if len(working) >= MaxAccessKeys {
		return retire, deferred, rrerrors.Invariant(string(StateRetiringOld),
			"no room to mint: retiring %d key(s) would leave no active key", len(deferred))
	}
	return retire, deferred, nil
}

// guardRetire refuses to retire the referenced key or the last active key.
func guardRetire(key AccessKey, referenced string, current []AccessKey) error {
	if key.ID == referenced {
		return rrerrors.Invariant(string(StateRetiringOld), "refusing to retire %s: root secret references it", logging.MaskKeyID(key.ID))
	}
	if k, ok := findKey(current, key.ID); ok && k.Active() && activeCount(current) <= 1 {
		return rrerrors.Invariant(string(StateRetiringOld), "refusing to retire %s: last active key", logging.MaskKeyID(key.ID))
	}
	return nil
}

func activeCount(keys []AccessKey) int {
	n := 0
	for _, k := range keys {
		if k.Active() {
			n++
		}
	}
	return n
}

func findKey(keys []AccessKey, id string) (AccessKey, bool) {
	for _, k := range keys {
		if k.ID == id {
			return k, true
		}
	}
	return AccessKey{}, false
}

func removeKey(keys []AccessKey, id string) []AccessKey {
	out := make([]AccessKey, 0, len(keys))
	for _, k := range keys {
		if k.ID != id {
			out = append(out, k)
		}
	}
	return out
}

func setStatus(keys []AccessKey, id string, status KeyStatus) []AccessKey {
	out := make([]AccessKey, len(keys))
	for i, k := range keys {
		if k.ID == id {
			k.Status = status
		}
		out[i] = k
	}
	return out
}

func keyRecords(keys []AccessKey) []storage.AccessKeyRecord {
	out := make([]storage.AccessKeyRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, storage.AccessKeyRecord{ID: k.ID, Status: string(k.Status), CreatedAt: k.CreatedAt})
	}
	return out
}
