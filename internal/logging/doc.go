// Package logging provides structured logging utilities for inboxlink.
//
// This package centralizes logging patterns to ensure consistent, structured logging
// throughout the codebase using the standard library's slog package.
//
// # Key Features
//
//   - Handler construction from configuration (text or JSON, level by name)
//   - Attribute helpers for threads, tasks, teams and message actions
//   - PII sanitization (email anonymization, token masking)
//   - Logger adapter interface for components that take a narrow logger
//
// # Usage Patterns
//
//	logger := logging.WithOperation(slog.Default(), "links.sweep")
//	logger.Info("sweep finished",
//	    logging.TeamID(teamID),
//	    logging.Status(logging.StatusSuccess))
//
// # Security Considerations
//
//   - User emails are hashed to prevent PII leakage while allowing correlation
//   - Access and refresh tokens are never logged directly
package logging
