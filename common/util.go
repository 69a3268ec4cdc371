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

package common

import (
	"os"
	"regexp"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// topicNamePattern topics ride shared pub/sub channel names, so the same
// character restrictions apply as for channel segments
var topicNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]{1,128}$`)

// ValidateTopicName verifies a topic name is usable
func ValidateTopicName(topic string) error {
	if !topicNamePattern.MatchString(topic) {
		return NewProtocolError("invalid topic name '%s'", topic)
	}
	return nil
}

// GetUnitTestRedisURI fetch Redis URI for unit testing
func GetUnitTestRedisURI() string {
	if uri, ok := os.LookupEnv("UNITTEST_REDIS_URI"); ok {
		return uri
	}
	return "redis://127.0.0.1:6379"
}

// GetUnitTestNatsURI fetch NATS URI for unit testing
func GetUnitTestNatsURI() string {
	if uri, ok := os.LookupEnv("UNITTEST_NATS_URI"); ok {
		return uri
	}
	return "nats://127.0.0.1:4222"
}
