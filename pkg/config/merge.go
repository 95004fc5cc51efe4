package config

// mergeSubjects merges built-in and user-defined subject configurations.
// User-defined subjects override built-in subjects with the same name.
func mergeSubjects(builtin map[string]SubjectConfig, user map[string]SubjectConfig) map[string]*SubjectConfig {
	result := make(map[string]*SubjectConfig, len(builtin)+len(user))

	for name, cfg := range builtin {
		cfgCopy := cfg
		result[name] = &cfgCopy
	}

	for name, cfg := range user {
		cfgCopy := cfg
		cfgCopy.Name = name
		result[name] = &cfgCopy
	}

	return result
}

// mergeTools merges the built-in general-tool catalog overrides with
// user-defined overrides. User-defined entries override built-ins with the
// same name.
func mergeTools(builtin map[string]ToolOverrideConfig, user map[string]ToolOverrideConfig) map[string]*ToolOverrideConfig {
	result := make(map[string]*ToolOverrideConfig, len(builtin)+len(user))

	for name, cfg := range builtin {
		cfgCopy := cfg
		result[name] = &cfgCopy
	}

	for name, cfg := range user {
		cfgCopy := cfg
		cfgCopy.Name = name
		result[name] = &cfgCopy
	}

	return result
}

// mergeLLMProviders merges built-in and user-defined LLM provider
// configurations. User-defined providers override built-in providers with
// the same name.
func mergeLLMProviders(builtin map[string]LLMProviderConfig, user map[string]LLMProviderConfig) map[string]*LLMProviderConfig {
	result := make(map[string]*LLMProviderConfig, len(builtin)+len(user))

	for name, provider := range builtin {
		providerCopy := provider
		result[name] = &providerCopy
	}

	for name, provider := range user {
		providerCopy := provider
		result[name] = &providerCopy
	}

	return result
}
