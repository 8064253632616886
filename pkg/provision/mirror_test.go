package provision

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtoki/lariat/pkg/directory"
)

// fakeDirectory serves canned users, groups, and policies.
type fakeDirectory struct {
	userARN      string
	userManaged  []string
	userInline   map[string]string
	groups       []string
	groupManaged map[string][]string
	groupInline  map[string]map[string]string
	getUserErr   error
}

func (f *fakeDirectory) GetUser(_ context.Context, username string) (*directory.User, error) {
	if f.getUserErr != nil {
		return nil, f.getUserErr
	}
	return &directory.User{Name: username, ARN: f.userARN}, nil
}

func (f *fakeDirectory) ListAttachedUserPolicies(context.Context, string) ([]string, error) {
	return f.userManaged, nil
}

func (f *fakeDirectory) ListUserPolicies(context.Context, string) ([]string, error) {
	names := make([]string, 0, len(f.userInline))
	for name := range f.userInline {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeDirectory) GetUserPolicy(_ context.Context, _, policyName string) (string, error) {
	doc, ok := f.userInline[policyName]
	if !ok {
		return "", directory.ErrNotFound
	}
	return doc, nil
}

func (f *fakeDirectory) ListGroupsForUser(context.Context, string) ([]string, error) {
	return f.groups, nil
}

func (f *fakeDirectory) ListAttachedGroupPolicies(_ context.Context, group string) ([]string, error) {
	return f.groupManaged[group], nil
}

func (f *fakeDirectory) ListGroupPolicies(_ context.Context, group string) ([]string, error) {
	names := make([]string, 0, len(f.groupInline[group]))
	for name := range f.groupInline[group] {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeDirectory) GetGroupPolicy(_ context.Context, group, policyName string) (string, error) {
	doc, ok := f.groupInline[group][policyName]
	if !ok {
		return "", directory.ErrNotFound
	}
	return doc, nil
}

// fakeRoleWriter records mutations. Attach/put run concurrently, so all
// recording is mutex-guarded.
type fakeRoleWriter struct {
	mu sync.Mutex

	createErr   error
	getErr      error
	arn         string
	createdWith struct {
		path, roleName, trustPolicy string
		maxSessionDuration          int32
	}
	getCalled bool
	attached  []string
	inline    map[string]string
}

func (f *fakeRoleWriter) CreateRole(_ context.Context, path, roleName, trustPolicy string, maxSessionDuration int32) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.createdWith.path = path
	f.createdWith.roleName = roleName
	f.createdWith.trustPolicy = trustPolicy
	f.createdWith.maxSessionDuration = maxSessionDuration
	return f.arn, nil
}

func (f *fakeRoleWriter) GetRole(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", f.getErr
	}
	f.getCalled = true
	return f.arn, nil
}

func (f *fakeRoleWriter) AttachRolePolicy(_ context.Context, _, policyARN string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, policyARN)
	return nil
}

func (f *fakeRoleWriter) PutRolePolicy(_ context.Context, _, policyName, document string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inline == nil {
		f.inline = make(map[string]string)
	}
	f.inline[policyName] = document
	return nil
}

func TestProvisionCreatesRoleWithSynthesizedTrustPolicy(t *testing.T) {
	dir := &fakeDirectory{userARN: "arn:aws:iam::123456789012:user/alice"}
	writer := &fakeRoleWriter{arn: "arn:aws:iam::123456789012:role/console-alice"}
	mirror := NewMirror(dir, writer)

	arn, err := mirror.Provision(context.Background(), ProvisionInput{
		Username: "alice",
		RoleName: "console-alice",
		Path:     "/console/",
	})
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:iam::123456789012:role/console-alice", arn)
	assert.Equal(t, "/console/", writer.createdWith.path)
	assert.Equal(t, "console-alice", writer.createdWith.roleName)
	assert.False(t, writer.getCalled)

	var doc trustPolicyDocument
	require.NoError(t, json.Unmarshal([]byte(writer.createdWith.trustPolicy), &doc))
	assert.Equal(t, "2012-10-17", doc.Version)
	require.Len(t, doc.Statement, 1)
	assert.Equal(t, "Allow", doc.Statement[0].Effect)
	assert.Equal(t, "sts:AssumeRole", doc.Statement[0].Action)
	assert.Equal(t, []string{"arn:aws:iam::123456789012:root"}, doc.Statement[0].Principal["AWS"])
}

func TestProvisionSuppliedTrustPolicySkipsUserLookup(t *testing.T) {
	dir := &fakeDirectory{getUserErr: errors.New("should not be called")}
	writer := &fakeRoleWriter{arn: "role-arn"}
	mirror := NewMirror(dir, writer)

	_, err := mirror.Provision(context.Background(), ProvisionInput{
		Username:    "alice",
		RoleName:    "console-alice",
		TrustPolicy: `{"Version":"2012-10-17","Statement":[]}`,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"Version":"2012-10-17","Statement":[]}`, writer.createdWith.trustPolicy)
}

func TestProvisionMirrorsCompletePolicySet(t *testing.T) {
	dir := &fakeDirectory{
		userARN:     "arn:aws:iam::123456789012:user/alice",
		userManaged: []string{"arn:aws:iam::123:policy/A", "arn:aws:iam::123:policy/B"},
		userInline:  map[string]string{"p1": "doc-p1"},
		groups:      []string{"G1", "G2"},
		groupManaged: map[string][]string{
			"G1": {"arn:aws:iam::123:policy/C"},
			// Duplicate of a user policy; the mirrored set deduplicates.
			"G2": {"arn:aws:iam::123:policy/A"},
		},
		groupInline: map[string]map[string]string{
			"G2": {"p2": "doc-p2"},
		},
	}
	writer := &fakeRoleWriter{arn: "role-arn"}
	mirror := NewMirror(dir, writer)

	_, err := mirror.Provision(context.Background(), ProvisionInput{
		Username: "alice",
		RoleName: "console-alice",
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"arn:aws:iam::123:policy/A",
		"arn:aws:iam::123:policy/B",
		"arn:aws:iam::123:policy/C",
	}, writer.attached)
	assert.Equal(t, map[string]string{
		"p1":    "doc-p1",
		"G2_p2": "doc-p2",
	}, writer.inline)
}

func TestProvisionAdoptsExistingRole(t *testing.T) {
	dir := &fakeDirectory{userARN: "arn:aws:iam::123456789012:user/alice"}
	writer := &fakeRoleWriter{arn: "adopted-arn", createErr: errors.New("CreateRole must not be called")}
	mirror := NewMirror(dir, writer)

	arn, err := mirror.Provision(context.Background(), ProvisionInput{
		Username:     "alice",
		RoleName:     "console-alice",
		RoleExisting: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "adopted-arn", arn)
	assert.True(t, writer.getCalled)
}

func TestProvisionPropagatesUserNotFound(t *testing.T) {
	dir := &fakeDirectory{getUserErr: directory.ErrNotFound}
	writer := &fakeRoleWriter{arn: "role-arn"}
	mirror := NewMirror(dir, writer)

	_, err := mirror.Provision(context.Background(), ProvisionInput{
		Username: "ghost",
		RoleName: "console-ghost",
	})
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestGroupPolicyNameTruncation(t *testing.T) {
	group := strings.Repeat("g", 100)
	policy := strings.Repeat("p", 100)

	name := groupPolicyName(group, policy)
	assert.Len(t, name, maxInlinePolicyNameLen)
	assert.True(t, strings.HasPrefix(name, group+"_"))
}

func TestGroupPolicyNameCollisionLastWins(t *testing.T) {
	// Two group policies whose namespaced names truncate identically: only
	// the later-processed document survives.
	group := strings.Repeat("g", 127)
	dir := &fakeDirectory{
		userARN: "arn:aws:iam::123456789012:user/alice",
		groups:  []string{group},
		groupInline: map[string]map[string]string{
			group: {"aaa": "doc-aaa", "aab": "doc-aab"},
		},
	}
	writer := &fakeRoleWriter{arn: "role-arn"}
	mirror := NewMirror(dir, writer)

	_, err := mirror.Provision(context.Background(), ProvisionInput{
		Username: "alice",
		RoleName: "console-alice",
	})
	require.NoError(t, err)
	require.Len(t, writer.inline, 1)
	for name := range writer.inline {
		assert.Len(t, name, maxInlinePolicyNameLen)
	}
}

func TestAccountIDFromARN(t *testing.T) {
	id, err := accountIDFromARN("arn:aws:iam::123456789012:user/alice")
	require.NoError(t, err)
	assert.Equal(t, "123456789012", id)

	_, err = accountIDFromARN("not-an-arn")
	assert.Error(t, err)
}
