package credential

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOAuth2Exchanger_Exchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "r1", r.Form.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fresh",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"instance_url": "https://tenant.example",
		})
	}))
	defer srv.Close()

	ex := NewOAuth2Exchanger(0, 5*time.Second)
	ex.Register("crm-a", OAuthClient{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL})

	got, err := ex.Exchange(context.Background(), "crm-a", Credential{RefreshToken: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.AccessToken)
	assert.Equal(t, "Bearer", got.TokenType)
	assert.False(t, got.Expiry.IsZero())
	assert.Equal(t, "https://tenant.example", got.Extra["instance_url"])
}

func TestOAuth2Exchanger_Errors(t *testing.T) {
	ex := NewOAuth2Exchanger(0, time.Second)

	_, err := ex.Exchange(context.Background(), "crm-a", Credential{RefreshToken: "r1"})
	assert.Error(t, err, "unregistered service")

	ex.Register("crm-a", OAuthClient{TokenURL: "http://127.0.0.1:1/token"})
	_, err = ex.Exchange(context.Background(), "crm-a", Credential{})
	assert.Error(t, err, "missing refresh token")
}

func TestCredential_Merge(t *testing.T) {
	old := Credential{AccessToken: "a", RefreshToken: "r1", Scopes: []string{"x"}, Extra: map[string]string{"k": "v"}}
	merged := old.Merge(Credential{AccessToken: "b", RefreshToken: "r2", Extra: map[string]string{"instance_url": "u"}})

	assert.Equal(t, "b", merged.AccessToken)
	assert.Equal(t, "r2", merged.RefreshToken)
	assert.Equal(t, []string{"x"}, merged.Scopes)
	assert.Equal(t, map[string]string{"k": "v", "instance_url": "u"}, merged.Extra)
	assert.Equal(t, map[string]string{"k": "v"}, old.Extra, "merge does not mutate the receiver")
}
