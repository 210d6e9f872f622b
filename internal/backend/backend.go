// Package backend selects and drives the image generation backends: remote
// GPU servers probed for health in priority order, and a local substitute
// that renders a preview when no remote server is usable.
package backend

import (
	"context"
	"strings"
)

// ProgressFunc receives progress updates from a running generation. Calls
// are synchronous; the backend waits for each to return.
type ProgressFunc func(percent int, message string)

// Reference is one reference image, in the order the prompt refers to them
// (@image1 is the first).
type Reference struct {
	Name        string
	Data        []byte
	ContentType string
}

// Request carries the immutable job input to a backend.
type Request struct {
	JobID      string
	Prompt     string
	References []Reference
	Params     map[string]any
	// Note explains why the local substitute is in use, if it is.
	Note string
}

// Artifact is a generated image.
type Artifact struct {
	Data        []byte
	ContentType string
}

// Extension picks the output file extension from the content type.
func (a Artifact) Extension() string {
	ct := strings.ToLower(a.ContentType)
	switch {
	case strings.Contains(ct, "png"):
		return "png"
	case strings.Contains(ct, "webp"):
		return "webp"
	default:
		return "jpg"
	}
}

// Backend generates one artifact for a request.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req Request, progress ProgressFunc) (Artifact, error)
}

func noProgress(int, string) {}
