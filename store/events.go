package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/usetempo/tempod/schedule"
)

// FileEventSource reads events and profiles from the JSON document the
// companion app maintains. The event store itself lives upstream; this is
// only the daemon-side feed, reloaded on every call so edits are picked up
// without restarting.
type FileEventSource struct {
	path string
}

func NewFileEventSource(path string) *FileEventSource {
	return &FileEventSource{path: path}
}

type eventsDocument struct {
	Events   []schedule.Event   `json:"events"`
	Profiles []schedule.Profile `json:"profiles"`
}

func (f *FileEventSource) load() (*eventsDocument, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		// No feed yet means no events, not a failure.
		return &eventsDocument{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read events file: %w", err)
	}

	var doc eventsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse events file: %w", err)
	}
	return &doc, nil
}

// GetEvents returns all events. Events without a profile assignment are
// returned as-is; the builder treats them as having no recipients.
func (f *FileEventSource) GetEvents() ([]schedule.Event, error) {
	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	return doc.Events, nil
}

func (f *FileEventSource) GetProfiles() ([]schedule.Profile, error) {
	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	if len(doc.Profiles) == 0 {
		log.Printf("STORE: events file %s has no profiles", f.path)
	}
	return doc.Profiles, nil
}
