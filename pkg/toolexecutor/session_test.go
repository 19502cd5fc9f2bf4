package toolexecutor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NForce-ai/SDRbot/pkg/adapter"
	"github.com/NForce-ai/SDRbot/pkg/crmerr"
	"github.com/NForce-ai/SDRbot/pkg/schema"
	"github.com/NForce-ai/SDRbot/pkg/service"
)

func newLazySession(t *testing.T) (*Session, *adapter.Memory, *schema.SyncEngine) {
	t.Helper()
	reg := service.NewMemoryRegistry(service.Descriptor{Key: "crm-a", AuthKind: service.AuthAPIKey, Enabled: true})
	crm := adapter.NewMemory("crm-a", contactFixture(0))
	adapters := adapter.NewRegistry()
	require.NoError(t, adapters.Register("crm-a", crm))
	creds := &stubCreds{}
	syncer, err := schema.NewSyncEngine(schema.SyncOptions{
		Services: reg,
		Cache:    schema.NewMemoryCache(),
		Fetcher:  adapter.NewSchemaFetcher(adapters, creds),
	})
	require.NoError(t, err)
	sess, err := NewSession(SessionOptions{Key: "s-1", Credentials: creds, Schemas: syncer, Adapters: adapters})
	require.NoError(t, err)
	return sess, crm, syncer
}

func TestSession_ResolveLoadsOnFirstUse(t *testing.T) {
	sess, _, _ := newLazySession(t)
	assert.Equal(t, "s-1", sess.Key())
	assert.Empty(t, sess.Catalogs())

	tool, err := sess.Resolve(context.Background(), toolSearch)

	require.NoError(t, err)
	assert.Equal(t, "Contact", tool.Object)
	assert.Len(t, sess.Catalogs(), 1)
	assert.NotNil(t, sess.Snapshot("crm-a"))
}

func TestSession_ResolveUnknownTool(t *testing.T) {
	sess, _, _ := newLazySession(t)

	for _, name := range []string{"crm-a_create_invoice", "crm-z_get_contact"} {
		_, err := sess.Resolve(context.Background(), name)
		e, ok := crmerr.As(err)
		require.True(t, ok, name)
		assert.Equal(t, crmerr.KindValidation, e.Kind)
		assert.Equal(t, "tool", e.Field)
	}
}

func TestSession_ApplyBackgroundSync(t *testing.T) {
	sess, crm, syncer := newLazySession(t)
	ctx := context.Background()

	// Not loaded yet: a background result is not installed.
	res, err := syncer.Sync(ctx, "crm-a", true)
	require.NoError(t, err)
	assert.True(t, sess.Apply(ctx, "crm-a", res).Empty())
	_, loaded := sess.Catalog("crm-a")
	assert.False(t, loaded)

	_, err = sess.Load(ctx, "crm-a")
	require.NoError(t, err)

	crm.SetSchema([]schema.RawObject{contactObject(true), {Key: "Deal", Fields: []schema.RawField{{Name: "amount", Type: "number"}}}})
	res, err = syncer.Sync(ctx, "crm-a", true)
	require.NoError(t, err)
	diff := sess.Apply(ctx, "crm-a", res)

	assert.Contains(t, diff.Added, "crm-a_create_deal")
	_, err = sess.Resolve(ctx, "crm-a_get_deal")
	assert.NoError(t, err)
}
