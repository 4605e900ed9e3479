package models

import "time"

// ProfileType says which kind of on-disk user-data directory the browser
// was launched with.
type ProfileType string

const (
	// ProfileExplicit is a user-specified directory; it wins unconditionally.
	ProfileExplicit ProfileType = "explicit"
	// ProfileTemp is an ephemeral directory discarded at shutdown.
	ProfileTemp ProfileType = "temp"
	// ProfileReal is the user's live Chrome profile, used only when no other
	// running browser holds its lock.
	ProfileReal ProfileType = "real"
	// ProfilePersistent is a private long-lived profile periodically
	// synchronized from the real one.
	ProfilePersistent ProfileType = "persistent"
)

// ProfileRecord describes the resolved user-data directory in use.
type ProfileRecord struct {
	Dir  string      `json:"dir"`
	Type ProfileType `json:"type"`
	Sync *SyncInfo   `json:"sync,omitempty"`
}

// SyncInfo summarizes the last cookie synchronization into a persistent
// profile.
type SyncInfo struct {
	LastSyncAt  time.Time `json:"lastSyncAt"`
	Fingerprint string    `json:"fingerprint"`
	Count       int       `json:"count"`
	SourcePath  string    `json:"sourcePath"`
	Tier        string    `json:"tier,omitempty"`
}
