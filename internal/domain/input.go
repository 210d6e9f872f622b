package domain

import (
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// NormalizeInput validates a request and returns the snapshot that is stored
// on the job. Prompt text is NFC-normalized so retries see identical bytes.
func NormalizeInput(in JobInput) (JobInput, error) {
	out := in.Clone()
	out.Prompt = norm.NFC.String(strings.TrimSpace(in.Prompt))
	if out.Prompt == "" {
		return JobInput{}, fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(out.Prompt) > MaxPromptRunes {
		return JobInput{}, fmt.Errorf("%w: prompt exceeds %d characters", ErrInvalidInput, MaxPromptRunes)
	}
	if len(in.ReferenceIDs) > MaxReferenceImages {
		return JobInput{}, fmt.Errorf("%w: at most %d reference images", ErrInvalidInput, MaxReferenceImages)
	}
	out.ReferenceIDs = nil
	seen := make(map[string]struct{}, len(in.ReferenceIDs))
	for _, raw := range in.ReferenceIDs {
		ref, err := cleanReference(raw)
		if err != nil {
			return JobInput{}, err
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		out.ReferenceIDs = append(out.ReferenceIDs, ref)
	}
	out.ModelID = strings.TrimSpace(in.ModelID)
	out.Source = strings.TrimSpace(in.Source)
	return out, nil
}

func cleanReference(raw string) (string, error) {
	ref := strings.TrimLeft(strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/"), "/")
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference image id", ErrInvalidInput)
	}
	cleaned := path.Clean(ref)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: invalid reference image id %q", ErrInvalidInput, raw)
	}
	return cleaned, nil
}
