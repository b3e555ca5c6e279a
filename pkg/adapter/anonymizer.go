// Copyright 2025 The Egregora Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package adapter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Anonymizer maps raw author identifiers (phone numbers, push names) to
// stable pseudonymous identities. The mapping is UUIDv5 over a fixed
// namespace, so the same person keeps the same identity across runs and
// machines without any stored lookup table.
//
// Besides author identity, it scrubs identifier-shaped values mentioned
// inside message text (phone numbers, emails) so a raw identifier never
// survives the adapter boundary, even quoted in a message body.
type Anonymizer struct {
	namespace uuid.UUID

	mu   sync.RWMutex
	seen map[string]string // raw -> anonymized id, for Participants counting

	phoneRe   *regexp.Regexp
	emailRe   *regexp.Regexp
	mentionRe *regexp.Regexp
}

// DefaultNamespace is the UUIDv5 namespace used when none is configured.
// Changing it re-keys every author identity, so treat it like a schema
// version.
var DefaultNamespace = uuid.MustParse("b7a9b3c4-5d2e-4f1a-8c6b-9e0d7f3a2b1c")

// NewAnonymizer creates an Anonymizer over the given namespace.
func NewAnonymizer(namespace uuid.UUID) *Anonymizer {
	return &Anonymizer{
		namespace: namespace,
		seen:      make(map[string]string),
		// Identifier-shaped values inside message text. Phone requires 8+
		// digits so ordinary numbers in conversation survive.
		phoneRe:   regexp.MustCompile(`\+?\d[\d\-.\s()]{7,}\d`),
		emailRe:   regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
		mentionRe: regexp.MustCompile(`@\d{8,}`),
	}
}

// AuthorID returns the stable pseudonymous identity for a raw author
// identifier: a UUIDv5 of the normalized raw value.
func (a *Anonymizer) AuthorID(raw string) string {
	norm := normalizeIdentifier(raw)
	id := uuid.NewSHA1(a.namespace, []byte(norm)).String()

	a.mu.Lock()
	a.seen[norm] = id
	a.mu.Unlock()
	return id
}

// DisplayName returns a deterministic human-friendly pseudonym for a raw
// author identifier, e.g. "Member-3f2a". Derived from the same UUIDv5 so it
// never disagrees with AuthorID.
func (a *Anonymizer) DisplayName(raw string) string {
	id := uuid.NewSHA1(a.namespace, []byte(normalizeIdentifier(raw)))
	return fmt.Sprintf("Member-%x", id[:2])
}

// ScrubText masks identifier-shaped values inside message text. Values that
// resolve to a known participant are replaced with that participant's
// pseudonym so cross-references stay readable; unknown values get an opaque
// deterministic token. Text is never left with a raw identifier.
func (a *Anonymizer) ScrubText(text string) string {
	if text == "" {
		return text
	}

	replace := func(match string) string {
		norm := normalizeIdentifier(match)
		a.mu.RLock()
		_, known := a.seen[norm]
		a.mu.RUnlock()
		if known {
			return a.DisplayName(match)
		}
		id := uuid.NewSHA1(a.namespace, []byte(norm))
		return fmt.Sprintf("[redacted-%x]", id[:4])
	}

	text = a.mentionRe.ReplaceAllStringFunc(text, func(m string) string {
		return "@" + strings.TrimPrefix(replace(strings.TrimPrefix(m, "@")), "@")
	})
	text = a.emailRe.ReplaceAllStringFunc(text, replace)
	text = a.phoneRe.ReplaceAllStringFunc(text, replace)
	return text
}

// Participants returns the number of distinct authors seen so far.
func (a *Anonymizer) Participants() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.seen)
}

// normalizeIdentifier canonicalizes a raw identifier before hashing:
// trimmed, lowercased, and for phone-like values reduced to digits so
// "+55 11 99999-0000" and "5511999990000" map to the same identity.
func normalizeIdentifier(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))

	digits := make([]rune, 0, len(s))
	onlyPhoneRunes := true
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits = append(digits, r)
		case r == '+' || r == '-' || r == '.' || r == ' ' || r == '(' || r == ')':
			// separator, skip
		default:
			onlyPhoneRunes = false
		}
	}
	if onlyPhoneRunes && len(digits) >= 8 {
		return string(digits)
	}
	return s
}
