// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP generation backend for the Ollama API.
//
// The Client implements generation.Service over POST /api/chat with
// streaming enabled. Each NDJSON line becomes one generation.Chunk.
//
// # Stop reasons
//
// A final line with done_reason "length" means the model hit its token
// budget. The reader delivers that line's text and then returns a
// *generation.StoppedError, which the orchestrator records as a truncated
// reply that can be continued.
//
// # Rate limits
//
// HTTP 429 maps to *generation.RateLimitError. Retry-After is honored in
// both the delta-seconds and HTTP-date forms.
//
// # Grounding
//
// Gateways that add web search in front of Ollama may attach a "grounding"
// object to any line. Plain Ollama never sends it and ignores the
// "grounding" request flag.
//
// # Usage
//
//	client := ollama.NewClient()
//	stream, err := client.Generate(ctx, generation.Request{Prompt: "Hello"})
//	for {
//	    chunk, err := stream.Recv()
//	    if err == io.EOF {
//	        break
//	    }
//	    fmt.Print(chunk.Text)
//	}
package ollama
