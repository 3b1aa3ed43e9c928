// Package endpoint derives the originating server of a snapshot from the
// request paths recorded in its manifest.
package endpoint

import (
	"regexp"
	"strings"
	"sync"

	"github.com/ehr/resourcestats/internal/domain/snapshot"
)

// Unknown is the bucket for snapshots whose endpoint cannot be derived.
const Unknown = "unknown"

// Classifier matches request paths against per-resource-type templates of
// the form <base><ResourceType>[/<id>][?<query>]. It is safe for concurrent
// use.
type Classifier struct {
	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

func NewClassifier() *Classifier {
	return &Classifier{patterns: make(map[string]*regexp.Regexp)}
}

// Classify returns the base address preceding the resource type segment of
// requestPath, without its trailing slash. It reports false when the path
// does not follow the template for resourceType or carries no base.
func (c *Classifier) Classify(requestPath, resourceType string) (string, bool) {
	if resourceType == "" {
		return "", false
	}
	m := c.pattern(resourceType).FindStringSubmatch(strings.TrimSpace(requestPath))
	if m == nil {
		return "", false
	}
	base := strings.TrimRight(m[1], "/")
	if base == "" {
		return "", false
	}
	return base, true
}

// SnapshotEndpoint classifies the snapshot by the first manifest query that
// yields an endpoint. Every resource in a snapshot is assumed to come from
// the same server.
func (c *Classifier) SnapshotEndpoint(m *snapshot.Manifest) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, q := range m.Query {
		if base, ok := c.Classify(q.Request, snapshot.ResourceTypeOf(q.Request)); ok {
			return base, true
		}
	}
	return "", false
}

func (c *Classifier) pattern(resourceType string) *regexp.Regexp {
	c.mu.RLock()
	re, ok := c.patterns[resourceType]
	c.mu.RUnlock()
	if ok {
		return re
	}

	re = regexp.MustCompile(`^([^?]*?/)` + regexp.QuoteMeta(resourceType) + `(/[^/?]+)?/?(\?.*)?$`)

	c.mu.Lock()
	c.patterns[resourceType] = re
	c.mu.Unlock()
	return re
}
