package tools

import (
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	maxFilePreviewChars = 50000
	maxShellStdoutChars = 1000
	maxShellStderrChars = 500
)

var languageByExt = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".mjs":   "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".rb":    "ruby",
	".rs":    "rust",
	".java":  "java",
	".kt":    "kotlin",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".cs":    "csharp",
	".php":   "php",
	".swift": "swift",
	".sh":    "bash",
	".bash":  "bash",
	".sql":   "sql",
	".html":  "html",
	".css":   "css",
	".scss":  "scss",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".xml":   "xml",
	".md":    "markdown",
	".txt":   "text",
	".csv":   "csv",
}

// languageFor guesses a display language from a file extension.
func languageFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if lang, ok := languageByExt[ext]; ok {
		return lang
	}
	if filepath.Base(path) == "Dockerfile" {
		return "dockerfile"
	}
	return "text"
}

// truncateChars cuts s to at most n runes.
func truncateChars(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// truncateOutput cuts s to maxLen bytes and marks the cut.
func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return strings.ToValidUTF8(s[:maxLen], "") + "\n... (truncated)"
}
