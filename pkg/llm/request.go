package llm

// GenerateRequest asks a provider to continue a conversation.
type GenerateRequest struct {
	// Model overrides the provider's configured model when non-empty.
	Model string

	Messages History
}
