package fakes

import (
	"context"
	"fmt"
	"sync"
	"time"

	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/rotation/health"
	"github.com/systmms/rootrotate/pkg/rotation"
)

// SecretUpdate records one UpdateSecret call.
type SecretUpdate struct {
	Namespace   string
	Name        string
	Data        map[string][]byte
	Annotations map[string]string
}

// FakeCluster is an in-memory ClusterClient. Deleted component secrets are
// recreated at once, as the minting operator would, unless listed in
// NoRecreate.
type FakeCluster struct {
	mu sync.Mutex

	Version string
	Admin   bool
	Infra   rotation.InfrastructureMetadata
	Mode    string

	Secrets    map[string]*rotation.Secret
	Namespaces map[string]bool
	Requests   []rotation.CredentialsRequestRef
	Operators  []health.OperatorStatus

	// NoRecreate lists "namespace/name" secrets the operator never re-mints.
	NoRecreate map[string]bool

	// Errors queues errors per operation; each call pops one.
	Errors map[string][]error

	Updates []SecretUpdate
	Now     func() time.Time

	calls map[string]int
}

// NewFakeCluster returns a healthy admin-accessible AWS cluster with no
// secrets.
func NewFakeCluster() *FakeCluster {
	return &FakeCluster{
		Version: "v1.30.4",
		Admin:   true,
		Infra: rotation.InfrastructureMetadata{
			InfrastructureName: "prod-east-x7k2p",
			Platform:           "AWS",
			Region:             "us-east-1",
		},
		Secrets:    make(map[string]*rotation.Secret),
		Namespaces: make(map[string]bool),
		NoRecreate: make(map[string]bool),
		Errors:     make(map[string][]error),
		Operators: []health.OperatorStatus{
			{Name: "cloud-credential", Available: true},
			{Name: "ingress", Available: true},
		},
		Now:   time.Now,
		calls: make(map[string]int),
	}
}

func secretKey(namespace, name string) string {
	return namespace + "/" + name
}

// PutSecret stores a secret and creates its namespace.
func (c *FakeCluster) PutSecret(namespace, name string, data map[string][]byte, annotations map[string]string, created time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Namespaces[namespace] = true
	c.Secrets[secretKey(namespace, name)] = &rotation.Secret{
		Namespace:         namespace,
		Name:              name,
		Data:              data,
		Annotations:       annotations,
		CreationTimestamp: created,
	}
}

// AddRequest registers a CredentialsRequest whose secret already exists.
func (c *FakeCluster) AddRequest(component, namespace, name string, created time.Time) {
	c.PutSecret(namespace, name, map[string][]byte{"aws_access_key_id": []byte("AKIACOMPONENT")}, nil, created)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Requests = append(c.Requests, rotation.CredentialsRequestRef{
		Namespace:       "openshift-cloud-credential-operator",
		Name:            component,
		SecretNamespace: namespace,
		SecretName:      name,
	})
}

// Secret returns a copy of a stored secret.
func (c *FakeCluster) Secret(namespace, name string) (*rotation.Secret, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.Secrets[secretKey(namespace, name)]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// FailNext queues err for the next n calls of op.
func (c *FakeCluster) FailNext(op string, err error, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.Errors[op] = append(c.Errors[op], err)
	}
}

// Calls returns how often op was called.
func (c *FakeCluster) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *FakeCluster) begin(op string) error {
	c.calls[op]++
	if q := c.Errors[op]; len(q) > 0 {
		c.Errors[op] = q[1:]
		return q[0]
	}
	return nil
}

func (c *FakeCluster) ServerVersion(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("ServerVersion"); err != nil {
		return "", err
	}
	return c.Version, nil
}

func (c *FakeCluster) IsClusterAdmin(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("IsClusterAdmin"); err != nil {
		return false, err
	}
	return c.Admin, nil
}

func (c *FakeCluster) GetInfrastructureMetadata(ctx context.Context) (rotation.InfrastructureMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("GetInfrastructureMetadata"); err != nil {
		return rotation.InfrastructureMetadata{}, err
	}
	return c.Infra, nil
}

func (c *FakeCluster) GetCredentialsMode(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("GetCredentialsMode"); err != nil {
		return "", err
	}
	return c.Mode, nil
}

func (c *FakeCluster) GetSecret(ctx context.Context, namespace, name string) (*rotation.Secret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("GetSecret"); err != nil {
		return nil, err
	}
	s, ok := c.Secrets[secretKey(namespace, name)]
	if !ok {
		return nil, rrerrors.NotFound("GetSecret", fmt.Errorf("secret %s/%s not found", namespace, name))
	}
	cp := *s
	cp.Data = copyBytes(s.Data)
	cp.Annotations = copyStrings(s.Annotations)
	return &cp, nil
}

func (c *FakeCluster) UpdateSecret(ctx context.Context, namespace, name string, data map[string][]byte, annotations map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("UpdateSecret"); err != nil {
		return err
	}
	s, ok := c.Secrets[secretKey(namespace, name)]
	if !ok {
		return rrerrors.NotFound("UpdateSecret", fmt.Errorf("secret %s/%s not found", namespace, name))
	}
	s.Data = copyBytes(data)
	s.Annotations = copyStrings(annotations)
	c.Updates = append(c.Updates, SecretUpdate{Namespace: namespace, Name: name, Data: copyBytes(data), Annotations: copyStrings(annotations)})
	return nil
}

func (c *FakeCluster) DeleteSecret(ctx context.Context, namespace, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("DeleteSecret"); err != nil {
		return err
	}
	key := secretKey(namespace, name)
	s, ok := c.Secrets[key]
	if !ok {
		return rrerrors.NotFound("DeleteSecret", fmt.Errorf("secret %s not found", key))
	}
	delete(c.Secrets, key)
	if !c.NoRecreate[key] {
		recreated := *s
		recreated.CreationTimestamp = c.Now().Add(time.Second)
		c.Secrets[key] = &recreated
	}
	return nil
}

func (c *FakeCluster) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("NamespaceExists"); err != nil {
		return false, err
	}
	return c.Namespaces[namespace], nil
}

func (c *FakeCluster) ListCredentialsRequests(ctx context.Context) ([]rotation.CredentialsRequestRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("ListCredentialsRequests"); err != nil {
		return nil, err
	}
	return append([]rotation.CredentialsRequestRef(nil), c.Requests...), nil
}

func (c *FakeCluster) GetOperatorStatuses(ctx context.Context) ([]health.OperatorStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("GetOperatorStatuses"); err != nil {
		return nil, err
	}
	return append([]health.OperatorStatus(nil), c.Operators...), nil
}

func copyBytes(in map[string][]byte) map[string][]byte {
	if in == nil {
		return nil
	}
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

func copyStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
