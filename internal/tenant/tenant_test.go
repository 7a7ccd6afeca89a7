// Copyright 2026 The Sole Backend Authors
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

package tenant

import (
	"errors"
	"strings"
	"testing"
)

// TestPurpose: Validates org identifier normalization and rejection of malformed identifiers.
// Scope: Unit Test
// Security: Tenant identifier canonicalization prevents aliasing two spellings of the same org.
// Expected: Trimming and lowercasing succeed; out-of-range and bad-charset identifiers return ErrInvalidOrgID.
// Test Case ID: TEN-01
func TestTenant_NormalizeOrgID(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		want  string
		valid bool
	}{
		{"lowercase passthrough", "acme", "acme", true},
		{"uppercase folds", "ACME", "acme", true},
		{"whitespace trimmed", "  acme-corp  ", "acme-corp", true},
		{"digits and underscore", "org_42", "org_42", true},
		{"min length", "ab", "ab", true},
		{"max length", strings.Repeat("a", 64), strings.Repeat("a", 64), true},
		{"too short", "a", "", false},
		{"too long", strings.Repeat("a", 65), "", false},
		{"leading hyphen", "-acme", "", false},
		{"leading underscore", "_acme", "", false},
		{"embedded space", "acme corp", "", false},
		{"unicode", "acmé", "", false},
		{"empty", "", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeOrgID(tc.in)
			if tc.valid {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				if got != tc.want {
					t.Errorf("expected %q, got %q", tc.want, got)
				}
				return
			}
			if !errors.Is(err, ErrInvalidOrgID) {
				t.Errorf("expected ErrInvalidOrgID, got %v", err)
			}
		})
	}
}

// TestPurpose: Validates that MFA action gating reads the enumerated org settings.
// Scope: Unit Test
// Expected: Only listed actions are gated; an empty list gates nothing.
// Test Case ID: TEN-02
func TestTenant_SettingsRequiresAction(t *testing.T) {
	s := Settings{MFARequiredActions: []string{"transfer_funds", "delete_org"}}

	if !s.RequiresAction("transfer_funds") {
		t.Error("expected transfer_funds to be gated")
	}
	if s.RequiresAction("read_profile") {
		t.Error("expected read_profile to be ungated")
	}
	if (Settings{}).RequiresAction("transfer_funds") {
		t.Error("expected empty settings to gate nothing")
	}
}
