package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormatLine(t *testing.T) {
	id := uint64(42)
	line := FormatLine(SecurityNotification{
		EventType:  "account-blocked",
		Severity:   "critical",
		IdentityID: &id,
		IP:         "10.0.0.1",
		Metadata:   map[string]any{"reason": "too many failures", "block_id": 3},
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.Equal(t,
		"[2026-01-02T03:04:05Z] CRITICAL account-blocked | identity_id=42 | ip=10.0.0.1 | block_id=3 reason=too many failures\n",
		line)
}

func TestFormatLineWithoutIdentity(t *testing.T) {
	line := FormatLine(SecurityNotification{EventType: "ip-blocked", Severity: "critical"})
	require.Contains(t, line, "identity_id=-")
}

func TestHandleAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "security-notifications.log")
	c := NewConsumer("", path, nil)

	for _, typ := range []string{"login-success", "ip-blocked"} {
		body, err := json.Marshal(SecurityNotification{EventType: typ, Severity: "info"})
		require.NoError(t, err)
		require.NoError(t, c.Handle(body))
	}

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "login-success")
	require.Contains(t, lines[1], "ip-blocked")
}

func TestHandleRejectsGarbage(t *testing.T) {
	c := NewConsumer("", filepath.Join(t.TempDir(), "x.log"), nil)
	require.Error(t, c.Handle([]byte("{not json")))
}
