package gcm

import (
	"github.com/splendidbits/pushservices/internal/models"
)

// request is the provider request body for one recipient batch.
type request struct {
	CollapseKey           string            `json:"collapse_key"`
	TimeToLive            int               `json:"time_to_live"`
	DryRun                bool              `json:"dry_run"`
	RegistrationIDs       []string          `json:"registration_ids"`
	Data                  map[string]string `json:"data"`
	RestrictedPackageName string            `json:"restricted_package_name,omitempty"`
}

// response is the provider response body for a 200 status.
type response struct {
	MulticastID  int64    `json:"multicast_id"`
	Success      int      `json:"success"`
	Failure      int      `json:"failure"`
	CanonicalIDs int      `json:"canonical_ids"`
	Results      []result `json:"results"`
}

// result is one slot of the response, positionally aligned with the
// registration_ids of the request it answers.
type result struct {
	MessageID      string `json:"message_id"`
	RegistrationID string `json:"registration_id"`
	Error          string `json:"error"`
}

func newRequest(m *models.Message, batch []*models.Recipient) request {
	ids := make([]string, 0, len(batch))
	for _, r := range batch {
		ids = append(ids, r.Token)
	}
	return request{
		CollapseKey:           m.CollapseKey,
		TimeToLive:            m.TTLSeconds,
		DryRun:                m.DryRun,
		RegistrationIDs:       ids,
		Data:                  m.PayloadMap(),
		RestrictedPackageName: m.Credentials.PackageURI,
	}
}
