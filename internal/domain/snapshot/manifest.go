package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ehr/resourcestats/pkg/fhirmodels"
)

// ManifestNames lists the manifest file names in lookup order.
var ManifestNames = []string{"manifest.json", "log.json"}

// ErrNoManifest is returned when a snapshot directory has no manifest file.
var ErrNoManifest = errors.New("snapshot has no manifest")

// Manifest records how a snapshot was produced. Older exports only carry
// per-query HTTP status codes; newer ones add capture timestamps.
type Manifest struct {
	Source    string       `json:"source,omitempty"`
	Timestamp *Timestamp   `json:"timestamp,omitempty"`
	Query     []QueryEntry `json:"query"`
}

// QueryEntry is one fetch attempt recorded in a manifest.
type QueryEntry struct {
	Request   string     `json:"request"`
	Response  string     `json:"response"`
	Status    int        `json:"status,omitempty"`
	Timestamp *Timestamp `json:"timestamp,omitempty"`
}

// Timestamp accepts epoch seconds (integer or fractional) or an RFC 3339
// string.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		t.Time = parsed.UTC()
		return nil
	}

	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("timestamp %s: %w", data, err)
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return fmt.Errorf("timestamp %s: not finite", data)
	}
	whole, frac := math.Modf(secs)
	t.Time = time.Unix(int64(whole), int64(frac*1e9)).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// ReadManifest loads the first manifest found in dir.
func ReadManifest(dir string) (*Manifest, error) {
	for _, name := range ManifestNames {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read manifest %s: %w", name, err)
		}

		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", name, err)
		}
		return &m, nil
	}
	return nil, ErrNoManifest
}

// Freshness returns the capture time of the snapshot: the manifest-level
// timestamp, or else the latest per-query timestamp.
func (m *Manifest) Freshness() (time.Time, bool) {
	if m.Timestamp != nil && !m.Timestamp.IsZero() {
		return m.Timestamp.Time, true
	}

	var latest time.Time
	found := false
	for _, q := range m.Query {
		if q.Timestamp == nil || q.Timestamp.IsZero() {
			continue
		}
		if !found || q.Timestamp.After(latest) {
			latest = q.Timestamp.Time
			found = true
		}
	}
	return latest, found
}

// FileTypes derives the file name to resource type mapping from the
// recorded requests. Entries whose request names no resource type are left
// out.
func (m *Manifest) FileTypes() FileTypes {
	types := make(FileTypes, len(m.Query))
	for _, q := range m.Query {
		if q.Response == "" {
			continue
		}
		if rt := ResourceTypeOf(q.Request); rt != "" {
			types[filepath.Base(q.Response)] = rt
		}
	}
	return types
}

// ResourceTypeOf extracts the resource type segment of a FHIR request path
// such as "Observation?category=laboratory" or
// "https://example.org/fhir/Patient/123". Only known resource type names are
// accepted. The segment before the last one wins, so a read by id whose id
// happens to look like a type name still resolves to the type.
func ResourceTypeOf(request string) string {
	path := request
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		return ""
	}

	segments := strings.Split(path, "/")
	if n := len(segments); n >= 2 && fhirmodels.IsResourceType(segments[n-2]) {
		return segments[n-2]
	}
	if last := segments[len(segments)-1]; fhirmodels.IsResourceType(last) {
		return last
	}
	return ""
}
