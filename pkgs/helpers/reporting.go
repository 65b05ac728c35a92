package helpers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// ReportingService posts fault notifications the way the teacher's
// ReportingService posts relayer-connection failures, generalized from a
// single hardcoded SnapshotterIssue shape to the overlay/IPC fault kinds
// this node reports (a failed seed dial, a failed fetch).
type ReportingService struct {
	url    string
	client *http.Client
}

// FaultReport is the JSON body posted to Settings.ReportingURL.
type FaultReport struct {
	PeerID    string `json:"peerId"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
	Timestamp int64  `json:"timestamp"`
}

// InitializeReportingService returns nil when url is empty, matching
// Settings.ReportingURL's "empty disables it" contract, so callers can
// unconditionally hold a *ReportingService and call SendFailureNotification
// on it without a nil check at every call site.
func InitializeReportingService(url string, timeout time.Duration) *ReportingService {
	if url == "" {
		return nil
	}
	return &ReportingService{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// SendFailureNotification posts one fault to the configured reporting URL.
// It is a best-effort, fire-and-forget call: errors are logged, never
// returned, matching the teacher's own "log and move on" posture for a
// notification path that must never block the caller's real work.
func (s *ReportingService) SendFailureNotification(peerID, kind, detail string) {
	if s == nil {
		return
	}

	report := FaultReport{
		PeerID:    peerID,
		Kind:      kind,
		Detail:    detail,
		Timestamp: time.Now().Unix(),
	}

	jsonData, err := json.Marshal(&report)
	if err != nil {
		log.Errorln("helpers: unable to marshal fault report: ", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewBuffer(jsonData))
	if err != nil {
		log.Errorln("helpers: error creating fault report request: ", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		log.Errorln("helpers: error sending fault report: ", err)
		return
	}
	defer resp.Body.Close()

	log.Debugln("helpers: fault report response status: " + strconv.Itoa(resp.StatusCode))
}
