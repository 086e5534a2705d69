// Package domain holds the types shared between the API surface, the
// library store and the job queue.
package domain

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Response is the envelope every API route answers with.
type Response struct {
	Data    interface{} `json:"data"`
	Error   interface{} `json:"error"`
	HasNext bool        `json:"has_next"`
	Cursor  int         `json:"cursor"`
}

// Visibility values for tracks and collections.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
	VisibilityHidden  = "hidden"
)

// ResourceMeta carries the optional per-resource metadata.
type ResourceMeta struct {
	SampleRate       int    `json:"sr,omitempty"`
	OriginalFilename string `json:"original_filename,omitempty"`
	ImageType        string `json:"image_type,omitempty"`
}

// Resource points at a stored file backing a track or image.
type Resource struct {
	ID           uuid.UUID    `json:"id"`
	FilePath     string       `json:"file_path"`
	FileName     string       `json:"file_name"`
	ResourceType string       `json:"resource_type"`
	Location     string       `json:"location"`
	Meta         ResourceMeta `json:"meta"`
}

// PluginData is a single key/value fact a plugin attached to a track.
type PluginData struct {
	ID            uuid.UUID `json:"id"`
	UserID        uuid.UUID `json:"user_id"`
	TrackID       uuid.UUID `json:"track_id"`
	PluginName    string    `json:"plugin_name"`
	PluginVersion string    `json:"plugin_version"`
	Key           string    `json:"key"`
	Value         string    `json:"value"`
}

// Relationship links two library objects.
type Relationship struct {
	ID               uuid.UUID              `json:"id"`
	SourceID         uuid.UUID              `json:"source_id"`
	TargetID         uuid.UUID              `json:"target_id"`
	RelationshipType string                 `json:"relationship_type"`
	Meta             map[string]interface{} `json:"meta"`
}

// Track is the central library object. Resource and image payloads are kept
// as JSON documents rather than normalized tables.
type Track struct {
	ID         uuid.UUID              `json:"id"`
	UserID     uuid.UUID              `json:"user_id"`
	TrackType  string                 `json:"track_type"`
	Visibility string                 `json:"visibility"`
	Resource   Resource               `json:"resource"`
	Images     []Resource             `json:"images"`
	Meta       map[string]interface{} `json:"meta"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`

	RelatedTracks      []Relationship `json:"related_tracks,omitempty"`
	RelatedCollections []Relationship `json:"related_collections,omitempty"`
	PluginData         []PluginData   `json:"plugin_data,omitempty"`
}

// Collection groups tracks. Type "temp" marks internal chunking collections.
type Collection struct {
	ID             uuid.UUID              `json:"id"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description"`
	CollectionType string                 `json:"collection_type"`
	UserID         uuid.UUID              `json:"user_id"`
	Visibility     string                 `json:"visibility"`
	Meta           map[string]interface{} `json:"meta"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// CollectionTypeTemp is assigned to chunk collections created for actions.
const CollectionTypeTemp = "temp"

// User mirrors the auth users table.
type User struct {
	ID             uuid.UUID `json:"id"`
	Email          string    `json:"email"`
	HashedPassword string    `json:"-"`
	IsActive       bool      `json:"is_active"`
	IsSuperuser    bool      `json:"is_superuser"`
	IsVerified     bool      `json:"is_verified"`
	CreatedAt      time.Time `json:"created_at"`
}

// Scene is a saved mashuper arrangement. Channel contents are stored as one
// JSON document per scene.
type Scene struct {
	ID       int             `json:"id"`
	UserID   uuid.UUID       `json:"-"`
	Name     string          `json:"name"`
	Author   string          `json:"author"`
	Date     string          `json:"date"`
	Channels json.RawMessage `json:"channels"`
	Tempo    int             `json:"tempo"`
}

// TrackFilter describes one selectable library filter.
type TrackFilter struct {
	FilterKey     string   `json:"filter_key"`
	FilterType    string   `json:"filter_type"`
	FilterOptions []string `json:"filter_options"`
}

// TrackFilters returns the filter options offered to clients.
func TrackFilters() []TrackFilter {
	bpm := make([]string, 0, 151)
	for i := 50; i <= 200; i++ {
		bpm = append(bpm, strconv.Itoa(i))
	}
	return []TrackFilter{
		{
			FilterKey:  "type",
			FilterType: "multi-select",
			FilterOptions: []string{
				"track", "stem", "loop", "singleshot", "midi",
			},
		},
		{
			FilterKey:  "key",
			FilterType: "multi-select",
			FilterOptions: []string{
				"c", "c#", "db", "d", "d#", "eb", "e", "f", "f#", "gb",
				"g", "g#", "ab", "a", "a#", "bb", "b", "cb", "e#", "fb", "b#",
			},
		},
		{
			FilterKey:  "genre",
			FilterType: "multi-select",
			FilterOptions: []string{
				"hip-hop", "jazz", "rock", "pop", "classical", "electronic",
			},
		},
		{
			FilterKey:     "bpm",
			FilterType:    "multi-select",
			FilterOptions: bpm,
		},
	}
}

