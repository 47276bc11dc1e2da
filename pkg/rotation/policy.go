package rotation

import (
	"encoding/json"
	"fmt"
	"sort"
)

// DefaultPolicyName is the inline policy attached to the principal.
const DefaultPolicyName = "cco-root-policy"

// mintActions are the IAM actions the minting operator needs to create and
// maintain one IAM user per CredentialsRequest.
var mintActions = []string{
	"iam:CreateAccessKey",
	"iam:CreateUser",
	"iam:DeleteAccessKey",
	"iam:DeleteUser",
	"iam:DeleteUserPolicy",
	"iam:GetUser",
	"iam:GetUserPolicy",
	"iam:ListAccessKeys",
	"iam:PutUserPolicy",
	"iam:TagUser",
	"iam:SimulatePrincipalPolicy",
}

// rotationActions are the IAM actions a rotation run performs.
var rotationActions = []string{
	"iam:GetUser",
	"iam:CreateUser",
	"iam:TagUser",
	"iam:GetUserPolicy",
	"iam:PutUserPolicy",
	"iam:ListAccessKeys",
	"iam:CreateAccessKey",
	"iam:UpdateAccessKey",
	"iam:DeleteAccessKey",
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource string   `json:"Resource"`
}

// RootPolicyDocument returns the inline policy the principal must carry.
func RootPolicyDocument() string {
	actions := append([]string(nil), mintActions...)
	sort.Strings(actions)
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:   "Allow",
			Action:   actions,
			Resource: "*",
		}},
	}
	out, _ := json.Marshal(doc)
	return string(out)
}

// canonicalPolicy normalizes a policy document so semantically equal
// documents compare equal: keys are ordered, single actions and resources
// become lists, and lists are sorted.
func canonicalPolicy(doc string) (string, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return "", fmt.Errorf("invalid policy document: %w", err)
	}

	var statements []interface{}
	switch s := raw["Statement"].(type) {
	case []interface{}:
		statements = s
	case map[string]interface{}:
		statements = []interface{}{s}
	}
	for _, st := range statements {
		m, ok := st.(map[string]interface{})
		if !ok {
			continue
		}
		for _, field := range []string{"Action", "NotAction", "Resource", "NotResource"} {
			if v, ok := m[field]; ok {
				m[field] = sortedStrings(v)
			}
		}
	}
	if statements != nil {
		raw["Statement"] = statements
	}

	out, err := json.Marshal(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func sortedStrings(v interface{}) interface{} {
	var list []string
	switch t := v.(type) {
	case string:
		list = []string{t}
	case []interface{}:
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return v
			}
			list = append(list, s)
		}
	default:
		return v
	}
	sort.Strings(list)
	return list
}

// policiesEqual reports whether two documents grant the same thing.
func policiesEqual(a, b string) bool {
	ca, err := canonicalPolicy(a)
	if err != nil {
		return false
	}
	cb, err := canonicalPolicy(b)
	if err != nil {
		return false
	}
	return ca == cb
}
