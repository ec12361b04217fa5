// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package selector narrows the tool catalog to the entries relevant to a
// task description.
//
// The façade's search_tools operation delegates relevance ranking to a
// Selector and treats it as advisory: names that are not in the candidate
// set are dropped, and any selector failure falls back to the full candidate
// list. Implementations can therefore be aggressive without risking broken
// searches.
package selector

import (
	"context"

	"github.com/stacklok/codehive/pkg/codehive"
)

// Selector picks the qualified tool names relevant to a query.
//
// The returned names are advisory: callers intersect them with the candidate
// set and fall back to all candidates when Select fails or returns nothing
// usable. Order is preserved, most relevant first.
type Selector interface {
	Select(ctx context.Context, query string, candidates []codehive.Tool) ([]string, error)
}
