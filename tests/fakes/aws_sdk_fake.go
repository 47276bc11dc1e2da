package fakes

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

// FakeIAMSDK is an in-memory stand-in for the IAM SDK client. It speaks the
// SDK's input and output types so the real client wrapper can be tested
// without AWS.
type FakeIAMSDK struct {
	mu sync.Mutex

	Users    map[string]*iamtypes.User
	Policies map[string]map[string]string
	Keys     map[string][]iamtypes.AccessKeyMetadata

	// Decisions maps action names to simulation decisions; unlisted actions
	// are allowed.
	Decisions map[string]iamtypes.PolicyEvaluationDecisionType

	// PageSize splits list and simulate responses into pages when set.
	PageSize int

	// Errors maps operation names to errors to return
	Errors map[string]error

	// Options records the per-call options each operation was invoked with.
	Options map[string]iam.Options

	nextKey int
}

// NewFakeIAMSDK creates an empty fake.
func NewFakeIAMSDK() *FakeIAMSDK {
	return &FakeIAMSDK{
		Users:     make(map[string]*iamtypes.User),
		Policies:  make(map[string]map[string]string),
		Keys:      make(map[string][]iamtypes.AccessKeyMetadata),
		Decisions: make(map[string]iamtypes.PolicyEvaluationDecisionType),
		Errors:    make(map[string]error),
		Options:   make(map[string]iam.Options),
	}
}

// AddError configures the fake to fail every call of op.
func (f *FakeIAMSDK) AddError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[op] = err
}

// AddKey attaches an existing key to a user.
func (f *FakeIAMSDK) AddKey(user, id string, status iamtypes.StatusType, created time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Keys[user] = append(f.Keys[user], iamtypes.AccessKeyMetadata{
		UserName:    aws.String(user),
		AccessKeyId: aws.String(id),
		Status:      status,
		CreateDate:  aws.Time(created),
	})
}

func (f *FakeIAMSDK) begin(op string, optFns []func(*iam.Options)) error {
	var o iam.Options
	for _, fn := range optFns {
		fn(&o)
	}
	f.Options[op] = o
	return f.Errors[op]
}

func noSuchEntity(format string, args ...interface{}) error {
	return &iamtypes.NoSuchEntityException{Message: aws.String(fmt.Sprintf(format, args...))}
}

func (f *FakeIAMSDK) GetUser(ctx context.Context, params *iam.GetUserInput, optFns ...func(*iam.Options)) (*iam.GetUserOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetUser", optFns); err != nil {
		return nil, err
	}
	user, ok := f.Users[aws.ToString(params.UserName)]
	if !ok {
		return nil, noSuchEntity("The user with name %s cannot be found.", aws.ToString(params.UserName))
	}
	return &iam.GetUserOutput{User: user}, nil
}

func (f *FakeIAMSDK) CreateUser(ctx context.Context, params *iam.CreateUserInput, optFns ...func(*iam.Options)) (*iam.CreateUserOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateUser", optFns); err != nil {
		return nil, err
	}
	name := aws.ToString(params.UserName)
	if _, ok := f.Users[name]; ok {
		return nil, &iamtypes.EntityAlreadyExistsException{Message: aws.String("User with name " + name + " already exists.")}
	}
	user := &iamtypes.User{
		UserName: aws.String(name),
		Arn:      aws.String(UserARN(name)),
		UserId:   aws.String("AIDA" + name),
		Tags:     append([]iamtypes.Tag(nil), params.Tags...),
	}
	f.Users[name] = user
	return &iam.CreateUserOutput{User: user}, nil
}

func (f *FakeIAMSDK) PutUserPolicy(ctx context.Context, params *iam.PutUserPolicyInput, optFns ...func(*iam.Options)) (*iam.PutUserPolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("PutUserPolicy", optFns); err != nil {
		return nil, err
	}
	name := aws.ToString(params.UserName)
	if _, ok := f.Users[name]; !ok {
		return nil, noSuchEntity("The user with name %s cannot be found.", name)
	}
	if f.Policies[name] == nil {
		f.Policies[name] = make(map[string]string)
	}
	f.Policies[name][aws.ToString(params.PolicyName)] = aws.ToString(params.PolicyDocument)
	return &iam.PutUserPolicyOutput{}, nil
}

// GetUserPolicy returns the document URL-encoded, as IAM does.
func (f *FakeIAMSDK) GetUserPolicy(ctx context.Context, params *iam.GetUserPolicyInput, optFns ...func(*iam.Options)) (*iam.GetUserPolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetUserPolicy", optFns); err != nil {
		return nil, err
	}
	name, policy := aws.ToString(params.UserName), aws.ToString(params.PolicyName)
	doc, ok := f.Policies[name][policy]
	if !ok {
		return nil, noSuchEntity("The user policy with name %s cannot be found.", policy)
	}
	return &iam.GetUserPolicyOutput{
		UserName:       params.UserName,
		PolicyName:     params.PolicyName,
		PolicyDocument: aws.String(url.QueryEscape(doc)),
	}, nil
}

func (f *FakeIAMSDK) ListAccessKeys(ctx context.Context, params *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ListAccessKeys", optFns); err != nil {
		return nil, err
	}
	name := aws.ToString(params.UserName)
	if _, ok := f.Users[name]; !ok {
		return nil, noSuchEntity("The user with name %s cannot be found.", name)
	}

	keys := f.Keys[name]
	start, end, next := f.page(len(keys), params.Marker)
	return &iam.ListAccessKeysOutput{
		AccessKeyMetadata: append([]iamtypes.AccessKeyMetadata(nil), keys[start:end]...),
		IsTruncated:       next != nil,
		Marker:            next,
	}, nil
}

func (f *FakeIAMSDK) CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateAccessKey", optFns); err != nil {
		return nil, err
	}
	name := aws.ToString(params.UserName)
	if _, ok := f.Users[name]; !ok {
		return nil, noSuchEntity("The user with name %s cannot be found.", name)
	}
	if len(f.Keys[name]) >= 2 {
		return nil, &iamtypes.LimitExceededException{Message: aws.String("Cannot exceed quota for AccessKeysPerUser: 2")}
	}

	f.nextKey++
	id := fmt.Sprintf("AKIASDK%013d", f.nextKey)
	now := time.Now().UTC()
	f.Keys[name] = append(f.Keys[name], iamtypes.AccessKeyMetadata{
		UserName:    aws.String(name),
		AccessKeyId: aws.String(id),
		Status:      iamtypes.StatusTypeActive,
		CreateDate:  aws.Time(now),
	})
	return &iam.CreateAccessKeyOutput{AccessKey: &iamtypes.AccessKey{
		UserName:        aws.String(name),
		AccessKeyId:     aws.String(id),
		SecretAccessKey: aws.String("secret-" + id),
		Status:          iamtypes.StatusTypeActive,
		CreateDate:      aws.Time(now),
	}}, nil
}

func (f *FakeIAMSDK) UpdateAccessKey(ctx context.Context, params *iam.UpdateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.UpdateAccessKeyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("UpdateAccessKey", optFns); err != nil {
		return nil, err
	}
	name, id := aws.ToString(params.UserName), aws.ToString(params.AccessKeyId)
	for i := range f.Keys[name] {
		if aws.ToString(f.Keys[name][i].AccessKeyId) == id {
			f.Keys[name][i].Status = params.Status
			return &iam.UpdateAccessKeyOutput{}, nil
		}
	}
	return nil, noSuchEntity("The Access Key with id %s cannot be found.", id)
}

func (f *FakeIAMSDK) DeleteAccessKey(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteAccessKey", optFns); err != nil {
		return nil, err
	}
	name, id := aws.ToString(params.UserName), aws.ToString(params.AccessKeyId)
	keys := f.Keys[name]
	for i := range keys {
		if aws.ToString(keys[i].AccessKeyId) == id {
			f.Keys[name] = append(keys[:i:i], keys[i+1:]...)
			return &iam.DeleteAccessKeyOutput{}, nil
		}
	}
	return nil, noSuchEntity("The Access Key with id %s cannot be found.", id)
}

func (f *FakeIAMSDK) SimulatePrincipalPolicy(ctx context.Context, params *iam.SimulatePrincipalPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("SimulatePrincipalPolicy", optFns); err != nil {
		return nil, err
	}

	actions := params.ActionNames
	start, end, next := f.page(len(actions), params.Marker)
	out := &iam.SimulatePrincipalPolicyOutput{IsTruncated: next != nil, Marker: next}
	for _, action := range actions[start:end] {
		decision, ok := f.Decisions[action]
		if !ok {
			decision = iamtypes.PolicyEvaluationDecisionTypeAllowed
		}
		out.EvaluationResults = append(out.EvaluationResults, iamtypes.EvaluationResult{
			EvalActionName: aws.String(action),
			EvalDecision:   decision,
		})
	}
	return out, nil
}

// page returns the slice bounds for the page starting at marker and the
// marker of the next page, if any.
func (f *FakeIAMSDK) page(total int, marker *string) (start, end int, next *string) {
	if marker != nil {
		start, _ = strconv.Atoi(aws.ToString(marker))
	}
	end = total
	if f.PageSize > 0 && start+f.PageSize < total {
		end = start + f.PageSize
		next = aws.String(strconv.Itoa(end))
	}
	return start, end, next
}

// TagMap flattens a user's tags.
func (f *FakeIAMSDK) TagMap(user string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.Users[user]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(u.Tags))
	for _, tag := range u.Tags {
		out[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return out
}

// FakeSTSSDK answers GetCallerIdentity for the operator's credentials, or for
// the static credentials a call overrides them with.
type FakeSTSSDK struct {
	mu sync.Mutex

	// Caller is returned when a call does not override credentials.
	Caller sts.GetCallerIdentityOutput

	// Identities maps access key IDs to the ARN they authenticate as.
	Identities map[string]string

	// RejectFirst makes the first n signed calls fail with
	// InvalidClientTokenId, as a key that has not propagated yet does.
	RejectFirst int

	Errors  map[string]error
	Calls   int
	Options []sts.Options
}

// NewFakeSTSSDK creates a fake whose caller is an admin user.
func NewFakeSTSSDK() *FakeSTSSDK {
	return &FakeSTSSDK{
		Caller: sts.GetCallerIdentityOutput{
			Account: aws.String(FakeAccount),
			Arn:     aws.String("arn:aws:iam::" + FakeAccount + ":user/admin"),
			UserId:  aws.String("AIDAADMIN"),
		},
		Identities: make(map[string]string),
		Errors:     make(map[string]error),
	}
}

func (f *FakeSTSSDK) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++

	var o sts.Options
	for _, fn := range optFns {
		fn(&o)
	}
	f.Options = append(f.Options, o)
	if err := f.Errors["GetCallerIdentity"]; err != nil {
		return nil, err
	}
	if o.Credentials == nil {
		out := f.Caller
		return &out, nil
	}

	creds, err := o.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, err
	}
	arn, ok := f.Identities[creds.AccessKeyID]
	if !ok || f.RejectFirst > 0 || creds.SecretAccessKey != "secret-"+creds.AccessKeyID {
		if f.RejectFirst > 0 {
			f.RejectFirst--
		}
		return nil, &smithy.GenericAPIError{
			Code:    "InvalidClientTokenId",
			Message: "The security token included in the request is invalid.",
		}
	}
	return &sts.GetCallerIdentityOutput{
		Account: aws.String(FakeAccount),
		Arn:     aws.String(arn),
		UserId:  aws.String("AIDA" + creds.AccessKeyID),
	}, nil
}

// SortedKeyIDs lists a user's key IDs in order.
func (f *FakeIAMSDK) SortedKeyIDs(user string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, k := range f.Keys[user] {
		ids = append(ids, aws.ToString(k.AccessKeyId))
	}
	sort.Strings(ids)
	return ids
}
