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
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func signTestToken(t *testing.T, key []byte, claims jwt.MapClaims) string {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	assert.Nil(t, err)
	return signed
}

func TestJWTCredentialValidator(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	signingKey := []byte(uuid.NewString())
	uut, err := GetJWTCredentialValidator(signingKey)
	assert.Nil(err)

	// Case 0: well-formed credential resolves to its identity
	{
		credentialID := uuid.NewString()
		expiry := time.Now().Add(time.Hour)
		token := signTestToken(t, signingKey, jwt.MapClaims{
			"sub": "unit-tester", "exp": expiry.Unix(), "jti": credentialID,
		})
		identity, err := uut.Validate(utCtxt, token)
		assert.Nil(err)
		assert.Equal("unit-tester", identity.UserID)
		assert.Equal(credentialID, identity.CredentialID)
		assert.Equal(expiry.Unix(), identity.ExpiresAt.Unix())
	}

	// Case 1: expired credential rejected
	{
		token := signTestToken(t, signingKey, jwt.MapClaims{
			"sub": "unit-tester", "exp": time.Now().Add(-time.Hour).Unix(), "jti": uuid.NewString(),
		})
		_, err := uut.Validate(utCtxt, token)
		assert.NotNil(err)
	}

	// Case 2: credential signed with another key rejected
	{
		token := signTestToken(t, []byte("wrong-key"), jwt.MapClaims{
			"sub": "unit-tester", "exp": time.Now().Add(time.Hour).Unix(), "jti": uuid.NewString(),
		})
		_, err := uut.Validate(utCtxt, token)
		assert.NotNil(err)
	}

	// Case 3: missing subject rejected
	{
		token := signTestToken(t, signingKey, jwt.MapClaims{
			"exp": time.Now().Add(time.Hour).Unix(), "jti": uuid.NewString(),
		})
		_, err := uut.Validate(utCtxt, token)
		assert.NotNil(err)
	}

	// Case 4: missing expiry rejected
	{
		token := signTestToken(t, signingKey, jwt.MapClaims{
			"sub": "unit-tester", "jti": uuid.NewString(),
		})
		_, err := uut.Validate(utCtxt, token)
		assert.NotNil(err)
	}

	// Case 5: missing credential ID rejected
	{
		token := signTestToken(t, signingKey, jwt.MapClaims{
			"sub": "unit-tester", "exp": time.Now().Add(time.Hour).Unix(),
		})
		_, err := uut.Validate(utCtxt, token)
		assert.NotNil(err)
	}

	// Case 6: garbage credential rejected
	{
		_, err := uut.Validate(utCtxt, "not-a-credential")
		assert.NotNil(err)
	}
}
