// Package artifact stores artifact sources by stable reference.
//
// A reference is a slash-separated relative path such as
// "modules/m1/components/q1-step-2.html". Save overwrites in place; the
// reference never changes.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Store loads and saves artifact content.
type Store interface {
	Load(ctx context.Context, ref string) ([]byte, error)
	Save(ctx context.Context, ref string, content []byte) error
}

var ErrNotFound = errors.New("artifact not found")

// CleanRef normalises ref and rejects absolute or escaping references.
func CleanRef(ref string) (string, error) {
	ref = strings.TrimSpace(strings.ReplaceAll(ref, "\\", "/"))
	if ref == "" {
		return "", fmt.Errorf("artifact ref is required")
	}
	if strings.HasPrefix(ref, "/") {
		return "", fmt.Errorf("invalid artifact ref %q: absolute", ref)
	}
	clean := path.Clean(ref)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid artifact ref %q: escapes root", ref)
	}
	return clean, nil
}

// Digest identifies one revision of artifact content.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:8])
}
