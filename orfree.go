// Package orfree is a resilience gateway over OpenRouter's free-tier models.
//
// Free models are individually unreliable: they rate limit aggressively,
// disappear from the listing, return malformed JSON, or go slow without
// warning. The gateway absorbs that churn behind three operations so callers
// get a single dependable surface:
//
//	client, err := orfree.New(orfree.WithAPIKeys(key))
//	gen, err := client.GenerateQuestions(ctx, prompt)
//
// Internally it discovers and ranks the eligible model list, tracks rolling
// per-model health, rotates API keys with per-key rate limiting and quota
// backoff, caches responses, and retries transient failures with jittered
// delays. Structured operations degrade to raw text instead of failing when
// a model answers with prose around its JSON.
//
// Every terminal failure is a gateerr.Error of kind timeout, provider, or
// validation.
package orfree

import (
	"github.com/meetframe/orfree/pkg/types"
)

// Prompt aliases the types package's prompt so simple callers never import it.
type Prompt = types.Prompt
