package credential

import (
	"encoding/json"
	"fmt"
	"time"
)

// Credential is the secret bundle for one service.
type Credential struct {
	AccessToken  string            `json:"access_token,omitempty"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	TokenType    string            `json:"token_type,omitempty"`
	Expiry       time.Time         `json:"expiry,omitempty"`
	Scopes       []string          `json:"scopes,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Expired reports whether the access token is past expiry, or within skew of it.
// A zero expiry never expires.
func (c Credential) Expired(now time.Time, skew time.Duration) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.Expiry)
}

// CanRefresh reports whether the credential carries a refresh token.
func (c Credential) CanRefresh() bool {
	return c.RefreshToken != ""
}

// Empty reports whether the credential holds no secret material.
func (c Credential) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == "" && len(c.Extra) == 0
}

// Clone returns a deep copy.
func (c Credential) Clone() Credential {
	out := c
	if c.Scopes != nil {
		out.Scopes = append([]string(nil), c.Scopes...)
	}
	if c.Extra != nil {
		out.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Merge overlays a refreshed token on c. Providers may omit the refresh
// token on rotation, in which case the old one is kept.
func (c Credential) Merge(fresh Credential) Credential {
	out := c.Clone()
	out.AccessToken = fresh.AccessToken
	out.Expiry = fresh.Expiry
	if fresh.RefreshToken != "" {
		out.RefreshToken = fresh.RefreshToken
	}
	if fresh.TokenType != "" {
		out.TokenType = fresh.TokenType
	}
	if len(fresh.Scopes) > 0 {
		out.Scopes = append([]string(nil), fresh.Scopes...)
	}
	for k, v := range fresh.Extra {
		if out.Extra == nil {
			out.Extra = make(map[string]string)
		}
		out.Extra[k] = v
	}
	return out
}

// String never prints secret material.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{type=%q expiry=%s refreshable=%t scopes=%v}",
		c.TokenType, c.Expiry.Format(time.RFC3339), c.CanRefresh(), c.Scopes)
}

func encode(c Credential) ([]byte, error) {
	return json.Marshal(c)
}

func decode(data []byte) (Credential, error) {
	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return Credential{}, fmt.Errorf("failed to decode credential: %w", err)
	}
	return c, nil
}
