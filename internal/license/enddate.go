package license

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/manifest"
)

// EndDateVerifier rejects loans whose end date has passed. The end date is
// read from any encrypted value named "endDate" or ending in ":endDate".
type EndDateVerifier struct {
	now func() time.Time
}

// NewEndDateVerifier creates a verifier using the wall clock; now may be nil.
func NewEndDateVerifier(now func() time.Time) *EndDateVerifier {
	if now == nil {
		now = time.Now
	}
	return &EndDateVerifier{now: now}
}

func (v *EndDateVerifier) Name() string { return "end-date" }

func (v *EndDateVerifier) Verify(_ context.Context, m *manifest.Manifest, emit func(string)) (bool, error) {
	enc := m.Metadata.Encrypted
	if enc == nil {
		emit("No loan end date")
		return true, nil
	}

	keys := make([]string, 0, len(enc.Values))
	for k := range enc.Values {
		if k == "endDate" || strings.HasSuffix(k, ":endDate") {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		emit("No loan end date")
		return true, nil
	}
	sort.Strings(keys)

	now := v.now()
	for _, k := range keys {
		raw, err := enc.Values.String(k)
		if err != nil {
			return false, err
		}
		end, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return false, fmt.Errorf("malformed %s %q: %w", k, raw, err)
		}
		if !now.Before(end) {
			emit(fmt.Sprintf("Loan ended at %s", end.Format(time.RFC3339)))
			return false, nil
		}
		emit(fmt.Sprintf("Loan ends at %s", end.Format(time.RFC3339)))
	}
	return true, nil
}
