package types

// LanguageInfo is the public view of a supported language.
type LanguageInfo struct {
	ID               string  `json:"id"`
	DisplayName      string  `json:"displayName"`
	FileExtension    string  `json:"fileExtension"`
	SourceFile       string  `json:"sourceFile"`
	Image            string  `json:"image"`
	ManifestFilename string  `json:"manifestFilename,omitempty"`
	DefaultTimeoutMs int     `json:"defaultTimeoutMs"`
	DefaultMemoryMB  int     `json:"defaultMemoryLimitMb"`
	DefaultCPUShare  float64 `json:"defaultCpuShare"`
}

// LanguageListResponse is the response for listing languages.
type LanguageListResponse struct {
	Languages []LanguageInfo `json:"languages"`
}
