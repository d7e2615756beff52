// Package domain holds the data model entities shared across the store,
// session, and feature-extraction layers. Ownership of these records is the
// persistent store (internal/store); in-memory session state during
// construction lives in internal/session and is discarded on finalize.
package domain

import (
	"database/sql"
	"time"
)

// Sex enumerates the known animal sexes.
type Sex string

const (
	SexMale    Sex = "MALE"
	SexFemale  Sex = "FEMALE"
	SexUnknown Sex = "UNKNOWN"
)

// Farmer owns zero or more animals.
type Farmer struct {
	ID        string
	Name      string
	Email     string
	Verifier  string
	CreatedAt time.Time
}

// Animal is owned by exactly one farmer.
type Animal struct {
	ID        string
	FarmerID  string
	Name      string
	DOB       sql.NullTime
	Sex       Sex
	CreatedAt time.Time
}

// Pregnancy belongs to one animal.
type Pregnancy struct {
	ID        string
	AnimalID  string
	Start     time.Time
	End       sql.NullTime
}

// OwnershipWindow is a half-open interval attributing a tag to an animal.
// Invariant: at most one open window (End.Valid == false) per tag.
type OwnershipWindow struct {
	ID       string
	Tag      string
	AnimalID string
	Start    time.Time
	End      sql.NullTime
}

func (w OwnershipWindow) Open() bool { return !w.End.Valid }

// DeviceStatus enumerates feeder connectivity state.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "ONLINE"
	DeviceOffline DeviceStatus = "OFFLINE"
)

// Device is a feeder identified by its device id.
type Device struct {
	ID       string
	LastIP   string
	LastSeen time.Time
	Status   DeviceStatus
}

// RawSample is one telemetry record from one device at one instant.
type RawSample struct {
	Instant     time.Time
	DeviceID    string
	Tag         sql.NullString
	Weight      float64
	Temperature sql.NullFloat64
	Address     string
}

// Session is a finalized eating session.
type Session struct {
	ID          string
	DeviceID    string
	Tag         string
	AnimalID    string
	Start       time.Time
	End         time.Time
	WeightStart float64
	WeightEnd   float64
	MeanTemp    float64
}

// Model is a trained anomaly-detection artifact.
// AnimalID is empty for the null-animal (global fallback) bucket.
type Model struct {
	ID              string
	AnimalID        sql.NullString
	Version         string
	Artifact        []byte
	TrainingStart   time.Time
	TrainingEnd     time.Time
	Metrics         string // opaque JSON
	Active          bool
}

// AnomalyScore is the unique (model, session) scoring result.
type AnomalyScore struct {
	ModelID   string
	SessionID string
	Score     float64
	Anomaly   bool
}

// DailyRollup summarizes one animal's sessions for one calendar day.
type DailyRollup struct {
	Day              time.Time
	SessionCount     int
	TotalDuration    time.Duration
	TotalConsumption float64
	MeanTemperature  float64
	AnomalyCount     int
}
