// Package entities defines the GORM entity models for the search engine schema.
//
// # Read model
//
//   - Embedding: per-clip vectors written by the upstream embedding producer
//
// # Session entities
//
//   - Session: an active-learning search with sampling parameters and counters
//   - SessionCategory: target category with shortcut key and tag count
//   - ReferenceExample: seed clip or external audio embedding
//   - SessionReference: attaches references to sessions
//   - Candidate: a clip surfaced in a session, with its label state
//   - IterationRun: one sampling round, used for polling and idempotency
//
// # Classifier entities
//
//   - ClassifierModel: versioned trained model with metrics and artifact
//   - InferenceBatch: scoped application of a deployed model
//   - InferencePrediction: one scored clip of a batch, reviewable
package entities
