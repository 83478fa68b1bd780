// Package api exposes the mesh over HTTP: agent registration and mirroring,
// pathway establishment and usage, tokenization status, health and metrics.
package api
