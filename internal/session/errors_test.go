// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"testing"
)

func TestClassify_SubtypeWins(t *testing.T) {
	tests := []struct {
		subtype string
		text    string
		want    ErrorKind
	}{
		{"context_limit", "", ErrorContextLimit},
		{"context_overflow", "anything", ErrorContextLimit},
		{"auth", "", ErrorAuth},
		{"rate_limit", "", ErrorBudget},
		{"overloaded", "", ErrorServer},
		{"tool_error", "", ErrorTool},
		// Subtype takes priority over conflicting text.
		{"auth", "context window exceeded", ErrorAuth},
	}
	for _, tc := range tests {
		if got := Classify(tc.subtype, tc.text); got != tc.want {
			t.Errorf("Classify(%q, %q) = %v, want %v", tc.subtype, tc.text, got, tc.want)
		}
	}
}

func TestClassify_TextFallback(t *testing.T) {
	tests := []struct {
		text string
		want ErrorKind
	}{
		{"Prompt is too long: context window exceeded", ErrorContextLimit},
		{"401 Unauthorized", ErrorAuth},
		{"Your credit balance is too low", ErrorBudget},
		{"rate limit reached, retry later", ErrorBudget},
		{"Overloaded, please retry", ErrorServer},
		{"internal server error", ErrorServer},
		{"tool use failed: permission denied", ErrorTool},
		{"something novel happened", ErrorUnknown},
		{"", ErrorUnknown},
	}
	for _, tc := range tests {
		if got := Classify("", tc.text); got != tc.want {
			t.Errorf("Classify(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	if ClassifyError(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
	re := ClassifyError(errors.New("invalid api key"))
	if re.Kind != ErrorAuth {
		t.Errorf("kind = %v, want %v", re.Kind, ErrorAuth)
	}
	if re.Message != "invalid api key" {
		t.Errorf("message = %q", re.Message)
	}
}

func TestCheckDefaultModel(t *testing.T) {
	supported := ModelCatalog{IDs: []string{"sonnet", "opus"}}
	retired := ModelCatalog{IDs: []string{"legacy-1"}}

	tests := []struct {
		name      string
		model     string
		supported ModelCatalog
		retired   ModelCatalog
		want      ModelHealth
	}{
		{"supported", "sonnet", supported, retired, ModelClean},
		{"case insensitive", "OPUS", supported, retired, ModelClean},
		{"retired", "legacy-1", supported, retired, ModelContaminated},
		{"in neither, both populated", "made-up", supported, retired, ModelContaminated},
		{"catalogs unavailable", "sonnet", ModelCatalog{}, ModelCatalog{}, ModelUnknown},
		{"only one catalog", "made-up", supported, ModelCatalog{}, ModelUnknown},
		{"empty model", "", supported, retired, ModelUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CheckDefaultModel(tc.model, tc.supported, tc.retired); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestReviewDefaultModel_UnknownNeverClears(t *testing.T) {
	s := newTestStore(t, &fakeClient{})
	s.SetPlatformID("test")
	s.mu.Lock()
	s.model = "my-custom-model"
	s.mu.Unlock()

	// Unknown verdict: user choice untouched.
	if got := s.ReviewDefaultModel(ModelCatalog{}, ModelCatalog{}); got != ModelUnknown {
		t.Fatalf("verdict = %v, want unknown", got)
	}
	if s.Model() != "my-custom-model" {
		t.Errorf("model cleared on unknown verdict")
	}

	// Contaminated verdict: cleared.
	retired := ModelCatalog{IDs: []string{"my-custom-model"}}
	if got := s.ReviewDefaultModel(ModelCatalog{IDs: []string{"sonnet"}}, retired); got != ModelContaminated {
		t.Fatalf("verdict = %v, want contaminated", got)
	}
	if s.Model() != "" {
		t.Errorf("model not cleared on contaminated verdict")
	}
}
