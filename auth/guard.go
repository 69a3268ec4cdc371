// Copyright 2023-2024 The wsgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/alwitt/wsgate/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// HandshakeGuard decides whether a handshake may proceed into the connection
// state machine: origin allowlist, anti-forgery token, credential validation
// layered over the revocation list.
type HandshakeGuard interface {
	// CheckOrigin verify the declared origin against the allowlist. Runs before
	// any other handshake work.
	CheckOrigin(origin string) error
	// IssueCSRFToken generate the per-connection anti-forgery token. The token
	// must come back in the connection's first `auth` envelope.
	IssueCSRFToken(connID string) string
	// VerifyCSRFToken consume and check the echoed anti-forgery token
	VerifyCSRFToken(connID, token string) error
	// Authenticate check a presented credential: revocation first, then the
	// external validator collaborator
	Authenticate(ctxt context.Context, token string) (Identity, error)
	// CheckStillValid re-verify a previously authenticated credential against the
	// revocation list. Called on every authenticated message.
	CheckStillValid(ctxt context.Context, credentialID string) error
	// Stop halt the anti-forgery token expiry worker. The guard must not be
	// used afterward.
	Stop()
}

// handshakeGuardImpl implements HandshakeGuard
type handshakeGuardImpl struct {
	common.Component
	exactOrigins    map[string]bool
	wildcardOrigins []string
	csrfTokens      *ttlcache.Cache[string, string]
	validator       CredentialValidator
	revocations     RevocationList
}

// GetHandshakeGuard define a HandshakeGuard
func GetHandshakeGuard(
	config common.AuthConfig,
	validator CredentialValidator,
	revocations RevocationList,
) (HandshakeGuard, error) {
	logTags := log.Fields{
		"module": "auth", "component": "handshake-guard",
	}
	exact := make(map[string]bool)
	wildcards := make([]string, 0)
	for _, entry := range config.AllowedOrigins {
		if strings.HasPrefix(entry, "*.") {
			wildcards = append(wildcards, strings.TrimPrefix(entry, "*"))
		} else {
			exact[entry] = true
		}
	}
	tokens := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](time.Second * time.Duration(config.HandshakeTimeout)),
	)
	go tokens.Start()
	return &handshakeGuardImpl{
		Component:       common.Component{LogTags: logTags},
		exactOrigins:    exact,
		wildcardOrigins: wildcards,
		csrfTokens:      tokens,
		validator:       validator,
		revocations:     revocations,
	}, nil
}

// Stop halt the anti-forgery token expiry worker
func (g *handshakeGuardImpl) Stop() {
	g.csrfTokens.Stop()
}

// CheckOrigin verify the declared origin against the allowlist
func (g *handshakeGuardImpl) CheckOrigin(origin string) error {
	if origin == "" {
		return common.NewAuthError(
			common.CloseReasonOriginNotAllowed, "handshake declared no origin",
		)
	}
	if g.exactOrigins[origin] {
		return nil
	}
	parsed, err := url.Parse(origin)
	if err == nil && parsed.Hostname() != "" {
		hostname := parsed.Hostname()
		for _, suffix := range g.wildcardOrigins {
			// suffix carries its leading ".", so "evilexample.com" cannot
			// match "*.example.com"
			if strings.HasSuffix(hostname, suffix) {
				return nil
			}
		}
	}
	log.WithFields(g.LogTags).Infof("Rejected handshake from origin '%s'", origin)
	return common.NewAuthError(
		common.CloseReasonOriginNotAllowed, "origin '%s' not allowed", origin,
	)
}

// IssueCSRFToken generate the per-connection anti-forgery token
func (g *handshakeGuardImpl) IssueCSRFToken(connID string) string {
	token := uuid.New().String()
	g.csrfTokens.Set(connID, token, ttlcache.DefaultTTL)
	return token
}

// VerifyCSRFToken consume and check the echoed anti-forgery token
func (g *handshakeGuardImpl) VerifyCSRFToken(connID, token string) error {
	issued := g.csrfTokens.Get(connID)
	if issued == nil || issued.Value() != token {
		log.WithFields(g.LogTags).Infof("CSRF token mismatch on connection '%s'", connID)
		return common.NewAuthError(
			common.CloseReasonCSRFMismatch, "anti-forgery token mismatch",
		)
	}
	// One shot; a replayed token must not verify again
	g.csrfTokens.Delete(connID)
	return nil
}

// Authenticate check a presented credential
func (g *handshakeGuardImpl) Authenticate(
	ctxt context.Context, token string,
) (Identity, error) {
	identity, err := g.validator.Validate(ctxt, token)
	if err != nil {
		return Identity{}, err
	}
	// Revocation trumps apparent validity
	if err := g.CheckStillValid(ctxt, identity.CredentialID); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

// CheckStillValid re-verify a previously authenticated credential against the
// revocation list
func (g *handshakeGuardImpl) CheckStillValid(
	ctxt context.Context, credentialID string,
) error {
	revoked, err := g.revocations.IsRevoked(ctxt, credentialID)
	if err != nil {
		// Fail closed; an unreadable revocation list must not admit credentials
		return fmt.Errorf("revocation lookup failed: %w", err)
	}
	if revoked {
		log.WithFields(g.LogTags).Infof("Rejected revoked credential '%s'", credentialID)
		return common.NewAuthError(
			common.CloseReasonInvalidCredential, "credential '%s' was revoked", credentialID,
		)
	}
	return nil
}
