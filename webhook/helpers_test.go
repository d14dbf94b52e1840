package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zllovesuki/recur/db"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSecret  = "whsec_test_secret"
	liveSecret  = "whsec_live_secret"
	debugSecret = "whsec_debug_secret"
)

func sign(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts.Unix())))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(id string, t EventType, livemode bool) []byte {
	return []byte(fmt.Sprintf(`{
  "id": %q,
  "object": "event",
  "type": %q,
  "livemode": %t,
  "created": 1706745600,
  "api_version": "2020-08-27",
  "data": {
    "object": {"id": "sub_1", "object": "subscription", "status": "active"},
    "previous_attributes": {"status": "past_due"}
  }
}`, id, t, livemode))
}

func getLedger(t *testing.T) *Ledger {
	logger := zap.NewNop()
	gormDB, err := db.NewMemory(logger, uuid.New().String())
	require.NoError(t, err)
	l, err := NewLedger(logger, gormDB)
	require.NoError(t, err)
	return l
}

// recordingProcessor returns a fixed result and records the events it saw
type recordingProcessor struct {
	name   string
	result *Result
	err    error
	panic  interface{}

	mu    sync.Mutex
	calls []string
}

func (p *recordingProcessor) Name() string {
	return p.name
}

func (p *recordingProcessor) Process(ctx context.Context, d *Delivery) (*Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, d.Event.ID)
	p.mu.Unlock()
	if p.panic != nil {
		panic(p.panic)
	}
	return p.result, p.err
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
