// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import "strings"

// ModelHealth is the verdict on a persisted default model identifier.
type ModelHealth string

const (
	// ModelClean: the identifier appears in the supported catalog.
	ModelClean ModelHealth = "clean"
	// ModelContaminated: the identifier appears in the retired catalog, or
	// both catalogs agree it does not exist.
	ModelContaminated ModelHealth = "contaminated"
	// ModelUnknown: the catalogs disagree or are unavailable. Advisory only;
	// an unknown verdict must never clear user-configured state.
	ModelUnknown ModelHealth = "unknown"
)

// ModelCatalog is one independently-maintained list of model identifiers.
// Either catalog may be empty when its source could not be fetched.
type ModelCatalog struct {
	IDs []string
}

func (c ModelCatalog) contains(id string) bool {
	for _, v := range c.IDs {
		if strings.EqualFold(v, id) {
			return true
		}
	}
	return false
}

// CheckDefaultModel cross-references a persisted default model against the
// supported and retired catalogs. The two lists are maintained separately and
// can drift, so the verdict is a heuristic: clean when supported lists it,
// contaminated when retired lists it or both catalogs are populated and
// neither lists it, unknown otherwise.
func CheckDefaultModel(model string, supported, retired ModelCatalog) ModelHealth {
	model = strings.TrimSpace(model)
	if model == "" {
		return ModelUnknown
	}
	if retired.contains(model) {
		return ModelContaminated
	}
	if supported.contains(model) {
		return ModelClean
	}
	if len(supported.IDs) > 0 && len(retired.IDs) > 0 {
		return ModelContaminated
	}
	return ModelUnknown
}

// ReviewDefaultModel checks the store's configured model and clears it only
// on a contaminated verdict. Unknown leaves the user's choice untouched.
func (s *Store) ReviewDefaultModel(supported, retired ModelCatalog) ModelHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	health := CheckDefaultModel(s.model, supported, retired)
	if health == ModelContaminated {
		s.model = ""
	}
	return health
}
