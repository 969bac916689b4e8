package redis

import (
	"strings"
	"testing"
	"time"

	"github.com/ibs-source/queue-consumer/internal/message"
	"github.com/redis/go-redis/v9"
)

func TestParseEntry(t *testing.T) {
	tests := []struct {
		name         string
		values       map[string]interface{}
		wantErr      string
		wantName     string
		wantPayload  string
		wantAttempts int
		wantEnqueued int64
	}{
		{
			name:         "full entry",
			values:       map[string]interface{}{"name": "greet", "payload": `{"name":"ada"}`, "attempts": "2", "enqueued_at": "1700000000000"},
			wantName:     "greet",
			wantPayload:  `{"name":"ada"}`,
			wantAttempts: 2,
			wantEnqueued: 1700000000000,
		},
		{
			name:     "name only",
			values:   map[string]interface{}{"name": "noop"},
			wantName: "noop",
		},
		{
			name:     "empty payload",
			values:   map[string]interface{}{"name": "noop", "payload": ""},
			wantName: "noop",
		},
		{
			name:    "missing name",
			values:  map[string]interface{}{"payload": "x"},
			wantErr: "no name",
		},
		{
			name:    "non-numeric attempts",
			values:  map[string]interface{}{"name": "noop", "attempts": "many"},
			wantErr: "invalid attempts",
		},
		{
			name:    "negative attempts",
			values:  map[string]interface{}{"name": "noop", "attempts": "-1"},
			wantErr: "invalid attempts",
		},
		{
			name:    "bad enqueued_at",
			values:  map[string]interface{}{"name": "noop", "enqueued_at": "yesterday"},
			wantErr: "invalid enqueued_at",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := parseEntry("jobs", redis.XMessage{ID: "1-0", Values: tt.values})
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("parseEntry() error = %v; want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseEntry() error = %v", err)
			}

			if env.ID != "1-0" || env.Stream != "jobs" {
				t.Errorf("envelope = %s/%s; want jobs/1-0", env.Stream, env.ID)
			}
			if got := env.Unwrap().Name; got != tt.wantName {
				t.Errorf("Name = %s; want %s", got, tt.wantName)
			}
			if got := string(env.Unwrap().Payload); got != tt.wantPayload {
				t.Errorf("Payload = %q; want %q", got, tt.wantPayload)
			}
			if tt.wantPayload == "" && env.Unwrap().Payload != nil {
				t.Errorf("Payload = %v; want nil", env.Unwrap().Payload)
			}
			if got := env.Attempts(); got != tt.wantAttempts {
				t.Errorf("Attempts() = %d; want %d", got, tt.wantAttempts)
			}
			if tt.wantEnqueued == 0 {
				if !env.EnqueuedAt.IsZero() {
					t.Errorf("EnqueuedAt = %v; want zero", env.EnqueuedAt)
				}
			} else if got := env.EnqueuedAt.UnixMilli(); got != tt.wantEnqueued {
				t.Errorf("EnqueuedAt = %d; want %d", got, tt.wantEnqueued)
			}
		})
	}
}

func TestEntryValues(t *testing.T) {
	enqueued := time.UnixMilli(1700000000123)
	values := entryValues(message.New("greet", []byte("ada")), 3, enqueued)

	if values[fieldName] != "greet" {
		t.Errorf("name = %v; want greet", values[fieldName])
	}
	if values[fieldPayload] != "ada" {
		t.Errorf("payload = %v; want ada", values[fieldPayload])
	}
	if values[fieldAttempts] != 3 {
		t.Errorf("attempts = %v; want 3", values[fieldAttempts])
	}
	if values[fieldEnqueuedAt] != int64(1700000000123) {
		t.Errorf("enqueued_at = %v; want 1700000000123", values[fieldEnqueuedAt])
	}
}

func TestEntryValues_ZeroEnqueuedAt(t *testing.T) {
	values := entryValues(message.New("noop", nil), 0, time.Time{})
	if _, ok := values[fieldEnqueuedAt]; ok {
		t.Error("enqueued_at present for zero time; want omitted")
	}
	if values[fieldPayload] != "" {
		t.Errorf("payload = %v; want empty string", values[fieldPayload])
	}
}
