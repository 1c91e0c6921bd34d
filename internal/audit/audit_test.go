package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripledger/internal/ledger"
)

type recordingBroadcaster struct {
	msgs [][]byte
}

func (b *recordingBroadcaster) Broadcast(msg []byte) {
	b.msgs = append(b.msgs, msg)
}

type failingJournal struct{}

func (failingJournal) Publish(context.Context, ledger.Event) error {
	return errors.New("disk full")
}

func sampleEvent(key string) ledger.Event {
	return ledger.Event{
		Kind:          ledger.EventPaymentAttempt,
		Key:           key,
		CorrelationID: "tr999",
		Status:        string(ledger.StatusPending),
		At:            time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFileJournalAppendsAndReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	j, err := OpenFileJournal(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, j.Publish(ctx, sampleEvent("charge_tr999")))
	require.NoError(t, j.Publish(ctx, sampleEvent("refund_tr999")))
	require.NoError(t, j.Close())

	events, err := ReadJournal(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "charge_tr999", events[0].Key)
	assert.Equal(t, "refund_tr999", events[1].Key)
	assert.True(t, events[0].At.Equal(sampleEvent("").At))
}

func TestReadJournalIgnoresTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	good, err := json.Marshal(sampleEvent("charge_tr1"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(append(good, '\n'), []byte(`{"kind":"pay`)...), 0o644))

	events, err := ReadJournal(path)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "charge_tr1", events[0].Key)
}

func TestReadJournalRejectsCorruptMiddle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	good, err := json.Marshal(sampleEvent("charge_tr1"))
	require.NoError(t, err)
	data := append([]byte("not json\n"), append(good, '\n')...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = ReadJournal(path)
	assert.Error(t, err)
}

func TestReadJournalMissingFile(t *testing.T) {
	events, err := ReadJournal(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFanoutPublisherJournalsThenBroadcasts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	j, err := OpenFileJournal(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	b := &recordingBroadcaster{}
	p := NewFanoutPublisher(j, b)
	require.NoError(t, p.Publish(context.Background(), sampleEvent("charge_tr999")))

	require.Len(t, b.msgs, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(b.msgs[0], &payload))
	assert.Equal(t, "ledger_event", payload["type"])
	assert.Equal(t, "charge_tr999", payload["key"])
	assert.Equal(t, "payment_attempt", payload["kind"])
}

func TestFanoutPublisherSkipsBroadcastWhenJournalFails(t *testing.T) {
	b := &recordingBroadcaster{}
	p := NewFanoutPublisher(failingJournal{}, b)

	err := p.Publish(context.Background(), sampleEvent("charge_tr1"))
	assert.Error(t, err)
	assert.Empty(t, b.msgs)
}

func TestFanoutPublisherWithoutTargets(t *testing.T) {
	p := NewFanoutPublisher(nil, nil)
	assert.NoError(t, p.Publish(context.Background(), sampleEvent("charge_tr1")))
}
