package domain

// ProviderPlugin describes a model provider contributed by a plugin.
type ProviderPlugin struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	DocsPath string   `json:"docsPath,omitempty"`
	Aliases  []string `json:"aliases,omitempty"`
	EnvVars  []string `json:"envVars,omitempty"`
}
