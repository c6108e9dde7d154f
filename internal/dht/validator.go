package dht

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	record "github.com/libp2p/go-libp2p-record"
)

// recordValidator 校验 /fleet/ 命名空间下的记录：必须是带时间戳的 JSON，
// 多个副本冲突时取最新的一份
type recordValidator struct{}

var _ record.Validator = recordValidator{}

type stamped struct {
	LastSeen  time.Time `json:"last_seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s stamped) at() time.Time {
	if s.UpdatedAt.After(s.LastSeen) {
		return s.UpdatedAt
	}
	return s.LastSeen
}

func decodeStamp(value []byte) (time.Time, error) {
	var s stamped
	if err := json.Unmarshal(value, &s); err != nil {
		return time.Time{}, err
	}
	return s.at(), nil
}

func (recordValidator) Validate(key string, value []byte) error {
	if !strings.HasPrefix(key, workerKeyPrefix) && !strings.HasPrefix(key, serviceKeyPrefix) {
		return fmt.Errorf("unexpected key %q", key)
	}
	ts, err := decodeStamp(value)
	if err != nil {
		return fmt.Errorf("record %s: %w", key, err)
	}
	if ts.IsZero() {
		return fmt.Errorf("record %s has no timestamp", key)
	}
	return nil
}

func (recordValidator) Select(key string, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, errors.New("no values")
	}
	best, bestAt := -1, time.Time{}
	for i, v := range values {
		ts, err := decodeStamp(v)
		if err != nil {
			continue
		}
		if best == -1 || ts.After(bestAt) {
			best, bestAt = i, ts
		}
	}
	if best == -1 {
		return 0, fmt.Errorf("no valid value for %s", key)
	}
	return best, nil
}
