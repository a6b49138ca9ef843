package regwall

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/rcourtman/paygate/internal/jwtutil"
)

// GoogleIdentity is the decoded payload of a Google ID token.
type GoogleIdentity struct {
	Iss           string `json:"iss"`
	Nbf           int64  `json:"nbf,omitempty"`
	Aud           string `json:"aud"`
	Sub           string `json:"sub"`
	Hd            string `json:"hd,omitempty"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Azp           string `json:"azp,omitempty"`
	Name          string `json:"name"`
	Picture       string `json:"picture,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	Iat           int64  `json:"iat"`
	Exp           int64  `json:"exp"`
	Jti           string `json:"jti,omitempty"`
}

// Credential is what a successful sign-in yields. JWT is set when the reader
// signed in with an ID token; Identity is its decoded payload unless the raw
// token was requested. GaaUser holds a legacy user object passed through
// unchanged.
type Credential struct {
	JWT      string
	Identity *GoogleIdentity
	GaaUser  json.RawMessage
}

type returnedJWT struct {
	Credential string `json:"credential"`
}

func (r *Regwall) credential(ctx context.Context, u User, raw bool) (*Credential, error) {
	if len(u.GaaUser) > 0 {
		if !json.Valid(u.GaaUser) {
			return nil, errors.New("gaa user is not valid JSON")
		}
		return &Credential{GaaUser: u.GaaUser}, nil
	}

	var rj returnedJWT
	if err := json.Unmarshal(u.ReturnedJWT, &rj); err != nil {
		return nil, fmt.Errorf("decode returned jwt: %w", err)
	}
	if !jwtutil.LooksLikeJWT(rj.Credential) {
		return nil, errors.New("returned credential is not a JWT")
	}
	cred := &Credential{JWT: rj.Credential}

	if r.cfg.Verifier != nil {
		tok, err := r.cfg.Verifier.Verify(ctx, rj.Credential)
		if err != nil {
			return nil, fmt.Errorf("verify id token: %w", err)
		}
		if raw {
			return cred, nil
		}
		var id GoogleIdentity
		if err := tok.Claims(&id); err != nil {
			return nil, fmt.Errorf("decode id token claims: %w", err)
		}
		cred.Identity = &id
		return cred, nil
	}

	if raw {
		return cred, nil
	}
	var id GoogleIdentity
	if err := jwtutil.DecodeUnverified(rj.Credential, &id); err != nil {
		return nil, err
	}
	cred.Identity = &id
	return cred, nil
}

// NewStaticVerifier returns a verifier for tokens issued by issuer to
// clientID and signed by one of keys.
func NewStaticVerifier(issuer, clientID string, keys ...crypto.PublicKey) *oidc.IDTokenVerifier {
	return oidc.NewVerifier(issuer, &oidc.StaticKeySet{PublicKeys: keys}, &oidc.Config{ClientID: clientID})
}
