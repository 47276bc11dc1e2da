package fakes

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/secure"
	"github.com/systmms/rootrotate/pkg/rotation"
)

// FakeAccount is the AWS account every fake ARN lives in.
const FakeAccount = "123456789012"

// FakeUser is an IAM user held by FakeIAM.
type FakeUser struct {
	Name     string
	ARN      string
	Tags     map[string]string
	Policies map[string]string
	Keys     []rotation.AccessKey
}

// FakeIAM is an in-memory IAMClient. Every mutation is checked against the
// rule that a user with an Active key never drops to zero Active keys;
// breaches are collected in Violations.
type FakeIAM struct {
	mu sync.Mutex

	Caller rotation.CallerIdentity
	Users  map[string]*FakeUser

	// Denied is returned by SimulatePrincipalPolicy.
	Denied      []string
	SimulateErr error

	// Errors queues errors per operation; each call pops one.
	Errors map[string][]error

	// LostResponses queues errors per operation that are returned after the
	// call has taken effect.
	LostResponses map[string][]error

	Violations []string
	Now        func() time.Time

	calls   map[string]int
	secrets map[string]string
	nextKey int
}

// NewFakeIAM returns a FakeIAM whose caller is an admin user.
func NewFakeIAM() *FakeIAM {
	return &FakeIAM{
		Caller: rotation.CallerIdentity{
			Account: FakeAccount,
			ARN:     "arn:aws:iam::" + FakeAccount + ":user/admin",
			UserID:  "AIDAADMIN",
		},
		Users:   make(map[string]*FakeUser),
		Errors:        make(map[string][]error),
		LostResponses: make(map[string][]error),
		Now:           time.Now,
		calls:         make(map[string]int),
		secrets:       make(map[string]string),
	}
}

// UserARN is the ARN of a fake user.
func UserARN(name string) string {
	return "arn:aws:iam::" + FakeAccount + ":user/" + name
}

// AddUser adds a user with no keys.
func (f *FakeIAM) AddUser(name string) *FakeUser {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &FakeUser{Name: name, ARN: UserARN(name), Tags: map[string]string{}, Policies: map[string]string{}}
	f.Users[name] = u
	return u
}

// AddKey adds an existing key to user. The key's secret is "secret-<id>".
func (f *FakeIAM) AddKey(user, id string, status rotation.KeyStatus, createdAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.Users[user]
	u.Keys = append(u.Keys, rotation.AccessKey{ID: id, Status: status, CreatedAt: createdAt})
	f.secrets[id] = "secret-" + id
}

// FailNext queues err for the next n calls of op.
func (f *FakeIAM) FailNext(op string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.Errors[op] = append(f.Errors[op], err)
	}
}

// LoseNextResponse makes the next call of op take effect and then fail with err.
func (f *FakeIAM) LoseNextResponse(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LostResponses[op] = append(f.LostResponses[op], err)
}

// lostResponse pops a queued lost-response error. Callers hold f.mu.
func (f *FakeIAM) lostResponse(op string) error {
	if q := f.LostResponses[op]; len(q) > 0 {
		f.LostResponses[op] = q[1:]
		return q[0]
	}
	return nil
}

// Calls returns how often op was called.
func (f *FakeIAM) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// MutationCalls is the number of calls that change IAM state.
func (f *FakeIAM) MutationCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls["CreateUser"] + f.calls["PutUserPolicy"] + f.calls["CreateAccessKey"] +
		f.calls["UpdateAccessKey"] + f.calls["DeleteAccessKey"]
}

// Keys returns a copy of user's keys.
func (f *FakeIAM) Keys(user string) []rotation.AccessKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.Users[user]
	if !ok {
		return nil
	}
	return append([]rotation.AccessKey(nil), u.Keys...)
}

// ActiveKeys returns the IDs of user's Active keys.
func (f *FakeIAM) ActiveKeys(user string) []string {
	var ids []string
	for _, k := range f.Keys(user) {
		if k.Active() {
			ids = append(ids, k.ID)
		}
	}
	return ids
}

// SecretFor returns the secret of a key known to the fake.
func (f *FakeIAM) SecretFor(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[id]
	return s, ok
}

// OwnerARN returns the ARN of the user holding key id.
func (f *FakeIAM) OwnerARN(id string) (string, rotation.KeyStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.Users {
		for _, k := range u.Keys {
			if k.ID == id {
				return u.ARN, k.Status, true
			}
		}
	}
	return "", "", false
}

// begin counts the call and pops a queued error. Callers hold f.mu.
func (f *FakeIAM) begin(op string) error {
	f.calls[op]++
	if q := f.Errors[op]; len(q) > 0 {
		f.Errors[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *FakeIAM) user(op, name string) (*FakeUser, error) {
	u, ok := f.Users[name]
	if !ok {
		return nil, rrerrors.NotFound(op, fmt.Errorf("user %s not found", name))
	}
	return u, nil
}

func countActive(keys []rotation.AccessKey) int {
	n := 0
	for _, k := range keys {
		if k.Active() {
			n++
		}
	}
	return n
}

func (f *FakeIAM) checkActive(op string, u *FakeUser, before int) {
	if before > 0 && countActive(u.Keys) == 0 {
		f.Violations = append(f.Violations, fmt.Sprintf("%s left %s with no active key", op, u.Name))
	}
}

func (f *FakeIAM) GetCallerIdentity(ctx context.Context) (rotation.CallerIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetCallerIdentity"); err != nil {
		return rotation.CallerIdentity{}, err
	}
	return f.Caller, nil
}

func (f *FakeIAM) GetUser(ctx context.Context, name string) (rotation.IAMUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetUser"); err != nil {
		return rotation.IAMUser{}, err
	}
	u, err := f.user("GetUser", name)
	if err != nil {
		return rotation.IAMUser{}, err
	}
	return rotation.IAMUser{Name: u.Name, ARN: u.ARN, Tags: u.Tags}, nil
}

func (f *FakeIAM) CreateUser(ctx context.Context, name string, tags map[string]string) (rotation.IAMUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateUser"); err != nil {
		return rotation.IAMUser{}, err
	}
	if _, ok := f.Users[name]; ok {
		return rotation.IAMUser{}, rrerrors.Newf(rrerrors.KindConfiguration, "CreateUser", "user %s already exists", name)
	}
	u := &FakeUser{Name: name, ARN: UserARN(name), Tags: tags, Policies: map[string]string{}}
	f.Users[name] = u
	if err := f.lostResponse("CreateUser"); err != nil {
		return rotation.IAMUser{}, err
	}
	return rotation.IAMUser{Name: u.Name, ARN: u.ARN, Tags: u.Tags}, nil
}

func (f *FakeIAM) PutUserPolicy(ctx context.Context, userName, policyName, document string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("PutUserPolicy"); err != nil {
		return err
	}
	u, err := f.user("PutUserPolicy", userName)
	if err != nil {
		return err
	}
	u.Policies[policyName] = document
	return nil
}

func (f *FakeIAM) GetUserPolicy(ctx context.Context, userName, policyName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetUserPolicy"); err != nil {
		return "", err
	}
	u, err := f.user("GetUserPolicy", userName)
	if err != nil {
		return "", err
	}
	doc, ok := u.Policies[policyName]
	if !ok {
		return "", rrerrors.NotFound("GetUserPolicy", fmt.Errorf("policy %s not found", policyName))
	}
	return doc, nil
}

func (f *FakeIAM) ListAccessKeys(ctx context.Context, userName string) ([]rotation.AccessKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ListAccessKeys"); err != nil {
		return nil, err
	}
	u, err := f.user("ListAccessKeys", userName)
	if err != nil {
		return nil, err
	}
	keys := append([]rotation.AccessKey(nil), u.Keys...)
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys, nil
}

func (f *FakeIAM) CreateAccessKey(ctx context.Context, userName string) (rotation.AccessKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateAccessKey"); err != nil {
		return rotation.AccessKey{}, err
	}
	u, err := f.user("CreateAccessKey", userName)
	if err != nil {
		return rotation.AccessKey{}, err
	}
	if len(u.Keys) >= rotation.MaxAccessKeys {
		return rotation.AccessKey{}, rrerrors.Newf(rrerrors.KindConfiguration, "CreateAccessKey",
			"LimitExceeded: cannot exceed quota for AccessKeysPerUser: %d", rotation.MaxAccessKeys)
	}

	f.nextKey++
	id := fmt.Sprintf("AKIAFAKEMINTED%06d", f.nextKey)
	value := "secret-" + id
	f.secrets[id] = value
	secret, err := secure.NewSecretKeyFromString(value)
	if err != nil {
		return rotation.AccessKey{}, err
	}
	key := rotation.AccessKey{ID: id, CreatedAt: f.Now(), Status: rotation.KeyActive}
	u.Keys = append(u.Keys, key)
	key.Secret = secret
	return key, nil
}

func (f *FakeIAM) UpdateAccessKeyStatus(ctx context.Context, userName, keyID string, status rotation.KeyStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("UpdateAccessKey"); err != nil {
		return err
	}
	u, err := f.user("UpdateAccessKey", userName)
	if err != nil {
		return err
	}
	before := countActive(u.Keys)
	for i := range u.Keys {
		if u.Keys[i].ID == keyID {
			u.Keys[i].Status = status
			f.checkActive("UpdateAccessKey", u, before)
			return nil
		}
	}
	return rrerrors.NotFound("UpdateAccessKey", fmt.Errorf("access key %s not found", keyID))
}

func (f *FakeIAM) DeleteAccessKey(ctx context.Context, userName, keyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteAccessKey"); err != nil {
		return err
	}
	u, err := f.user("DeleteAccessKey", userName)
	if err != nil {
		return err
	}
	before := countActive(u.Keys)
	for i := range u.Keys {
		if u.Keys[i].ID == keyID {
			u.Keys = append(u.Keys[:i], u.Keys[i+1:]...)
			f.checkActive("DeleteAccessKey", u, before)
			return nil
		}
	}
	return rrerrors.NotFound("DeleteAccessKey", fmt.Errorf("access key %s not found", keyID))
}

func (f *FakeIAM) SimulatePrincipalPolicy(ctx context.Context, principalARN string, actions []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("SimulatePrincipalPolicy"); err != nil {
		return nil, err
	}
	if f.SimulateErr != nil {
		return nil, f.SimulateErr
	}
	return append([]string(nil), f.Denied...), nil
}

// FakeVerifier confirms keys against a FakeIAM: a key authenticates when it
// exists, is Active and carries the secret the fake issued.
type FakeVerifier struct {
	mu sync.Mutex

	IAM *FakeIAM

	// Reject makes every confirmation of these key IDs fail as propagation
	// lag.
	Reject map[string]bool

	// LagAttempts fails the first n confirmations of each key.
	LagAttempts int

	calls map[string]int
}

// NewFakeVerifier returns a verifier backed by iam.
func NewFakeVerifier(iam *FakeIAM) *FakeVerifier {
	return &FakeVerifier{IAM: iam, Reject: map[string]bool{}, calls: map[string]int{}}
}

// Calls returns how often key id was confirmed.
func (v *FakeVerifier) Calls(id string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[id]
}

func (v *FakeVerifier) Confirm(ctx context.Context, key rotation.AccessKey) (string, error) {
	v.mu.Lock()
	v.calls[key.ID]++
	n := v.calls[key.ID]
	reject := v.Reject[key.ID]
	lag := v.LagAttempts
	v.mu.Unlock()

	lagErr := rrerrors.Transient("GetCallerIdentity", fmt.Errorf("InvalidClientTokenId: the security token included in the request is invalid"))
	if reject || n <= lag {
		return "", lagErr
	}

	arn, status, ok := v.IAM.OwnerARN(key.ID)
	if !ok || status != rotation.KeyActive {
		return "", lagErr
	}
	if key.Secret == nil {
		return "", rrerrors.Permission("GetCallerIdentity", fmt.Errorf("no secret for %s", key.ID))
	}
	want, _ := v.IAM.SecretFor(key.ID)
	got, err := key.Secret.String()
	if err != nil {
		return "", err
	}
	if got != want {
		return "", rrerrors.Permission("GetCallerIdentity", fmt.Errorf("secret of %s does not match", key.ID))
	}
	return arn, nil
}
