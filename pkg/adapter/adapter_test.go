package adapter

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NForce-ai/SDRbot/pkg/credential"
	"github.com/NForce-ai/SDRbot/pkg/crmerr"
	"github.com/NForce-ai/SDRbot/pkg/schema"
	"github.com/NForce-ai/SDRbot/pkg/toolgen"
)

const fixtureYAML = `
objects:
  - key: Contact
    fields:
      - {name: name, type: text, required: true}
      - {name: email, type: email}
      - {name: status, type: picklist, options: [active, churned]}
records:
  Contact:
    - {id: c1, name: Ada, email: ada@example.com, status: active}
    - {id: c2, name: Grace, email: grace@example.com, status: churned}
    - {id: c3, name: Linus, email: linus@example.com, status: churned}
`

func loadTestFixture(t *testing.T) Fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixtureYAML), 0600))
	f, err := LoadFixture(path)
	require.NoError(t, err)
	return f
}

func TestMemory_CRUD(t *testing.T) {
	m := NewMemory("crm-a", loadTestFixture(t))
	ctx := context.Background()
	cred := credential.Credential{AccessToken: "x"}

	raw, err := m.FetchSchema(ctx, cred)
	require.NoError(t, err)
	require.Len(t, raw.Objects, 1)
	assert.Equal(t, "Contact", raw.Objects[0].Key)

	res, err := m.Invoke(ctx, Call{Object: "Contact", Operation: toolgen.OpCreate, Args: map[string]interface{}{
		"fields": map[string]interface{}{"name": "Edsger"},
	}}, cred)
	require.NoError(t, err)
	created := res.Payload.(map[string]interface{})
	id := created["id"].(string)
	assert.NotEmpty(t, id)
	assert.Equal(t, 4, m.Len("Contact"))

	res, err = m.Invoke(ctx, Call{Object: "Contact", Operation: toolgen.OpGet, Args: map[string]interface{}{"id": id}}, cred)
	require.NoError(t, err)
	assert.Equal(t, "Edsger", res.Payload.(map[string]interface{})["name"])

	res, err = m.Invoke(ctx, Call{Object: "Contact", Operation: toolgen.OpSearch, Args: map[string]interface{}{
		"filters": map[string]interface{}{"status": "churned"},
	}}, cred)
	require.NoError(t, err)
	assert.Len(t, res.Payload, 2)

	n, err := m.Count(ctx, "Contact", map[string]interface{}{"status": "churned"}, cred)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err = m.Invoke(ctx, Call{Object: "Contact", Operation: toolgen.OpUpdate, Args: map[string]interface{}{
		"ids":    []interface{}{"c2", "c3"},
		"fields": map[string]interface{}{"status": "active"},
	}}, cred)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Affected)

	res, err = m.Invoke(ctx, Call{Object: "Contact", Operation: toolgen.OpDelete, Args: map[string]interface{}{
		"where": map[string]interface{}{"status": "active"},
	}}, cred)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Affected)
	assert.Equal(t, 1, m.Len("Contact"))
}

func TestMemory_Read(t *testing.T) {
	m := NewMemory("crm-a", loadTestFixture(t))
	ctx := context.Background()
	var _ Reader = m

	rec, err := m.Read(ctx, "Contact", "c2", credential.Credential{})
	require.NoError(t, err)
	assert.Equal(t, "Grace", rec["name"])

	// The returned record is a copy.
	rec["name"] = "changed"
	again, err := m.Read(ctx, "Contact", "c2", credential.Credential{})
	require.NoError(t, err)
	assert.Equal(t, "Grace", again["name"])

	_, err = m.Read(ctx, "Contact", "nope", credential.Credential{})
	assert.Error(t, err)
}

func TestMemory_SchemaMismatch(t *testing.T) {
	m := NewMemory("crm-a", loadTestFixture(t))
	ctx := context.Background()

	_, err := m.Invoke(ctx, Call{Object: "Contact", Operation: toolgen.OpCreate, Args: map[string]interface{}{
		"fields": map[string]interface{}{"name": "x", "Country": "NL"},
	}}, credential.Credential{})
	e, ok := crmerr.As(err)
	require.True(t, ok)
	assert.Equal(t, crmerr.KindSchemaMismatch, e.Kind)
	assert.Equal(t, "Country", e.Field)

	_, err = m.Invoke(ctx, Call{Object: "Lead", Operation: toolgen.OpGet, Args: map[string]interface{}{"id": "1"}}, credential.Credential{})
	assert.True(t, crmerr.IsKind(err, crmerr.KindSchemaMismatch))

	_, err = m.Invoke(ctx, Call{Object: "Contact", Operation: toolgen.OpGet, Args: map[string]interface{}{"id": "missing"}}, credential.Credential{})
	e, ok = crmerr.As(err)
	require.True(t, ok)
	assert.False(t, e.Retryable)
}

type stubCreds struct {
	refreshes atomic.Int32
	err       error
}

func (s *stubCreds) Acquire(context.Context, string) (credential.Credential, error) {
	return credential.Credential{AccessToken: "old"}, nil
}

func (s *stubCreds) Refresh(context.Context, string) (credential.Credential, error) {
	s.refreshes.Add(1)
	return credential.Credential{AccessToken: "new"}, s.err
}

type expiringAdapter struct {
	Memory
	rejectAlways bool
}

func (a *expiringAdapter) FetchSchema(ctx context.Context, cred credential.Credential) (schema.RawMetadata, error) {
	if cred.AccessToken == "old" || a.rejectAlways {
		return schema.RawMetadata{}, crmerr.New(crmerr.KindAuthExpired, "crm-a", "token expired")
	}
	return schema.RawMetadata{Objects: []schema.RawObject{{Key: "Contact"}}}, nil
}

func TestSchemaFetcher_RefreshesOnce(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("crm-a", &expiringAdapter{}))
	creds := &stubCreds{}

	raw, err := NewSchemaFetcher(reg, creds).Fetch(context.Background(), "crm-a")
	require.NoError(t, err)
	assert.Len(t, raw.Objects, 1)
	assert.Equal(t, int32(1), creds.refreshes.Load())
}

func TestSchemaFetcher_RejectedAfterRefresh(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("crm-a", &expiringAdapter{rejectAlways: true}))
	creds := &stubCreds{}

	_, err := NewSchemaFetcher(reg, creds).Fetch(context.Background(), "crm-a")
	assert.True(t, crmerr.IsKind(err, crmerr.KindAuthFailed))
	assert.Equal(t, int32(1), creds.refreshes.Load())
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register("Bad_Key", NewMemory("x", Fixture{})))
	assert.Error(t, reg.Register("crm-a", nil))
	require.NoError(t, reg.Register("crm-b", NewMemory("crm-b", Fixture{})))
	require.NoError(t, reg.Register("crm-a", NewMemory("crm-a", Fixture{})))
	assert.Equal(t, []string{"crm-a", "crm-b"}, reg.Keys())

	_, err := reg.Get("crm-z")
	assert.Error(t, err)
}
