package domain

// ArtifactKind represents the type of content stored in an artifact.
type ArtifactKind string

const (
	// ArtifactRawResponse is the unmodified text of a model response,
	// written before any parse attempt and never deleted.
	ArtifactRawResponse ArtifactKind = "raw_response"

	// ArtifactRenderedPrompt is the exact prompt text sent to a model,
	// kept so any response can be reproduced for inspection.
	ArtifactRenderedPrompt ArtifactKind = "rendered_prompt"
)

// ArtifactRef points to externally stored content. Metadata rows carry refs
// instead of content so a parser defect never requires re-spending API
// budget to recover the underlying data.
type ArtifactRef struct {
	Key  string       `json:"key" validate:"required"`
	Size int64        `json:"size" validate:"min=0"`
	Kind ArtifactKind `json:"kind" validate:"required"`
}

// IsZero reports whether the ref points at nothing.
func (r ArtifactRef) IsZero() bool { return r.Key == "" }
