package output

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const maxSlugLen = 50

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// GenerateSlug lowercases s and joins its alphanumeric runs with dashes,
// capped at 50 characters.
func GenerateSlug(s string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return slug
}

// CreateOutputDir creates base/<slug>-YYYYMMDD-HHMMSS and returns its path.
func CreateOutputDir(base, slug string) (string, error) {
	dir := filepath.Join(base, fmt.Sprintf("%s-%s", slug, time.Now().Format("20060102-150405")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}
	return dir, nil
}

// SweepSlug names the directory of a sweep over one scenario and condition.
func SweepSlug(scenarioID, conditionID string) string {
	return GenerateSlug(scenarioID + " " + conditionID)
}
