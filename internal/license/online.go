package license

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/manifest"
)

// LicenseRelation is the link relation of a manifest's license document.
const LicenseRelation = "license"

// OnlineVerifier asks the license server whether the loan is still usable.
// The license document must carry {"status": "ready"} or {"status": "active"}.
type OnlineVerifier struct {
	hc *http.Client
}

// NewOnlineVerifier creates a verifier; a nil client gets a 10 second timeout.
func NewOnlineVerifier(hc *http.Client) *OnlineVerifier {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &OnlineVerifier{hc: hc}
}

type licenseStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (v *OnlineVerifier) Name() string { return "online" }

func (v *OnlineVerifier) Verify(ctx context.Context, m *manifest.Manifest, emit func(string)) (bool, error) {
	link, ok := m.LinkByRelation(LicenseRelation)
	if !ok {
		emit("Manifest has no license link")
		return true, nil
	}
	href := link.Href
	if m.Source != nil {
		href = m.Source.ResolveReference(href)
	}

	emit(fmt.Sprintf("Checking license status at %s", href.Redacted()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href.String(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.readium.license.status.v1.0+json, application/json")

	resp, err := v.hc.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to fetch license status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("license status fetch failed with status %d", resp.StatusCode)
	}

	var st licenseStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&st); err != nil {
		return false, fmt.Errorf("failed to decode license status: %w", err)
	}
	switch strings.ToLower(st.Status) {
	case "ready", "active":
		emit(fmt.Sprintf("License is %s", st.Status))
		return true, nil
	default:
		msg := fmt.Sprintf("License is %q", st.Status)
		if st.Message != "" {
			msg += ": " + st.Message
		}
		emit(msg)
		return false, nil
	}
}
