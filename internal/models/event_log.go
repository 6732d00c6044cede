package models

import "gorm.io/gorm"

// EventLog is an append-only audit record of rejections, transient
// failures and lifecycle transitions, attributed to an instrument.
type EventLog struct {
	gorm.Model
	Level      string `json:"level"`
	Module     string `json:"module"`
	Instrument string `gorm:"index" json:"instrument"`
	Message    string `json:"message"`
}
