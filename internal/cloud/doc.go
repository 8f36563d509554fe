// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the Mercury API client for LLM completions.
//
// Mercury exposes an OpenAI-style chat completions endpoint. This package
// implements the HTTP client for it: request construction, authentication,
// retry with exponential backoff for transient failures, and mapping of
// API error responses to distinguishable Go error values.
//
// CLOUD: Secure logging, retry logic, and validation
package cloud
