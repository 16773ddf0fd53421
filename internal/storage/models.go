package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/graphflow/types"
)

// StringList stores an ordered list of strings as a JSON array column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported StringList source type %T", src)
	}
}

// Run is the persisted record of one graph execution.
//
// Status transitions: pending -> running -> {success, error, interrupted};
// pending -> interrupted for cancellations that land before a worker leases
// the run. Terminal rows are immutable.
type Run struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey"`
	ThreadID     *uuid.UUID      `gorm:"type:uuid;index"`
	Status       types.RunStatus `gorm:"size:32;index;not null"`
	StreamModes  StringList      `gorm:"type:text"`
	OnDisconnect string          `gorm:"size:16"`
	Input        []byte          `gorm:"type:jsonb"`
	Output       []byte          `gorm:"type:jsonb"`
	CreatedAt    time.Time       `gorm:"index"`
	UpdatedAt    time.Time
}

// Thread groups related runs and carries caller-defined metadata.
type Thread struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Metadata  []byte    `gorm:"type:jsonb"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Cron is a recurring run template. NextRunAt drives the scheduler poll;
// EndTime, when set, retires the cron after it passes.
type Cron struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ThreadID  *uuid.UUID `gorm:"type:uuid;index"`
	Schedule  string     `gorm:"size:128;not null"`
	Payload   []byte     `gorm:"type:jsonb"`
	EndTime   *time.Time
	NextRunAt time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
