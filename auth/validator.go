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
	"time"

	"github.com/alwitt/wsgate/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
)

// Identity the authenticated principal behind a credential
type Identity struct {
	// UserID is the principal's user identifier
	UserID string `json:"user_id" validate:"required"`
	// CredentialID identifies the presented credential itself, for revocation
	CredentialID string `json:"credential_id" validate:"required"`
	// ExpiresAt is when the credential lapses
	ExpiresAt time.Time `json:"expires_at"`
}

// CredentialValidator external collaborator deciding credential semantics. The
// guard only handles revocation and origin / CSRF policy on top of this.
type CredentialValidator interface {
	// Validate check an opaque bearer credential, returning the associated identity
	Validate(ctxt context.Context, token string) (Identity, error)
}

// jwtCredentialValidator CredentialValidator for HMAC signed JWT credentials
type jwtCredentialValidator struct {
	common.Component
	signingKey []byte
}

// GetJWTCredentialValidator define a JWT based CredentialValidator
func GetJWTCredentialValidator(signingKey []byte) (CredentialValidator, error) {
	logTags := log.Fields{
		"module": "auth", "component": "jwt-validator",
	}
	return &jwtCredentialValidator{
		Component:  common.Component{LogTags: logTags},
		signingKey: signingKey,
	}, nil
}

// Validate check an opaque bearer credential
func (v *jwtCredentialValidator) Validate(
	ctxt context.Context, token string,
) (Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, common.NewAuthError(
				common.CloseReasonInvalidCredential,
				"unexpected signing method %v", t.Header["alg"],
			)
		}
		return v.signingKey, nil
	})
	if err != nil || !parsed.Valid {
		log.WithError(err).WithFields(v.LogTags).Debug("Credential rejected")
		return Identity{}, common.NewAuthError(
			common.CloseReasonInvalidCredential, "credential validation failed",
		)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, common.NewAuthError(
			common.CloseReasonInvalidCredential, "credential carries no claims",
		)
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return Identity{}, common.NewAuthError(
			common.CloseReasonInvalidCredential, "credential names no subject",
		)
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return Identity{}, common.NewAuthError(
			common.CloseReasonInvalidCredential, "credential carries no expiry",
		)
	}
	credentialID, _ := claims["jti"].(string)
	if credentialID == "" {
		return Identity{}, common.NewAuthError(
			common.CloseReasonInvalidCredential, "credential carries no ID",
		)
	}
	return Identity{
		UserID:       subject,
		CredentialID: credentialID,
		ExpiresAt:    expiry.Time,
	}, nil
}
