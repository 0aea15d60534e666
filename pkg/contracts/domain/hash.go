package domain

import "time"

// GenerateRequest represents POST /api/hash/generate. Payload hashes one
// value; otherwise Count hashes of "<seed>_<i>" are produced.
type GenerateRequest struct {
	Payload string `json:"payload,omitempty" validate:"omitempty,max=65536"`
	Count   int    `json:"count,omitempty" validate:"omitempty,min=1,max=10000"`
	Seed    string `json:"seed,omitempty" validate:"omitempty,max=256"`
	Variant string `json:"variant,omitempty" validate:"omitempty,oneof=standard challenge trap"`
}

// ChallengeRequest represents POST /api/hash/challenge
type ChallengeRequest struct {
	Payload  string `json:"payload" validate:"required,max=65536"`
	Variants int    `json:"variants" validate:"min=0,max=1000"`
}

// TrapsRequest represents POST /api/hash/traps. Async queues the burst and
// returns without hashes.
type TrapsRequest struct {
	Source string `json:"source,omitempty" validate:"omitempty,max=128"`
	Count  int    `json:"count,omitempty" validate:"omitempty,min=1,max=10000"`
	Async  bool   `json:"async,omitempty"`
}

// Hash is one obfuscated hash.
type Hash struct {
	Value  string   `json:"hash"`
	Epoch  uint64   `json:"epoch"`
	Layers []string `json:"layers"`
}

// HashResponse carries one or more hashes.
type HashResponse struct {
	Variant     string        `json:"variant"`
	Hashes      []Hash        `json:"hashes"`
	Count       int           `json:"count"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// TrapsResponse reports a trap deployment.
type TrapsResponse struct {
	Source   string `json:"source"`
	Accepted bool   `json:"accepted"`
	Hashes   []Hash `json:"hashes,omitempty"`
}

// StreamRequest is sent by a websocket client to request a batch of
// hashes on /api/hash/stream.
type StreamRequest struct {
	Count   int    `json:"count" validate:"min=1,max=1000"`
	Seed    string `json:"seed,omitempty" validate:"omitempty,max=256"`
	Variant string `json:"variant,omitempty" validate:"omitempty,oneof=standard challenge trap"`
}
